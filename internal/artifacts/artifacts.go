// Package artifacts writes captured screenshots to the local filesystem.
package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/profilecap/internal/config"
)

// Screenshotter is the part of a page the sink needs.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Sink owns the screenshot and debug directories. Retention of old files
// is left to the operator.
type Sink struct {
	screenshots string
	debug       string
	logs        string
	logger      *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewSink resolves the configured directories against the artifact root.
// Nothing is created until EnsureDirectories or a write.
func NewSink(cfg config.ArtifactsConfig, logger *zap.Logger) (*Sink, error) {
	root, err := homedir.Expand(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to expand artifact root %q: %w", cfg.Root, err)
	}
	return &Sink{
		screenshots: resolve(root, cfg.Screenshots),
		debug:       resolve(root, cfg.Debug),
		logs:        resolve(root, cfg.Logs),
		logger:      logger.Named("artifacts"),
		now:         time.Now,
		newID:       func() string { return uuid.NewString()[:8] },
	}, nil
}

func resolve(root, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(root, dir)
}

func (s *Sink) ScreenshotDir() string { return s.screenshots }
func (s *Sink) DebugDir() string      { return s.debug }
func (s *Sink) LogDir() string        { return s.logs }

// EnsureDirectory creates path and any missing parents.
func (s *Sink) EnsureDirectory(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureDirectories creates the screenshot, debug and log directories.
func (s *Sink) EnsureDirectories() error {
	for _, dir := range []string{s.screenshots, s.debug, s.logs} {
		if err := s.EnsureDirectory(dir); err != nil {
			return err
		}
	}
	s.logger.Debug("Artifact directories ready",
		zap.String("screenshots", s.screenshots),
		zap.String("debug", s.debug),
		zap.String("logs", s.logs),
	)
	return nil
}

// ScreenshotPath returns a fresh path for a profile capture.
func (s *Sink) ScreenshotPath() string {
	return filepath.Join(s.screenshots, s.name("profile"))
}

// DebugPath returns a fresh path for a failure capture.
func (s *Sink) DebugPath() string {
	return filepath.Join(s.debug, s.name("profile-error"))
}

func (s *Sink) name(prefix string) string {
	return fmt.Sprintf("%s-%d-%s.png", prefix, s.now().UnixMilli(), s.newID())
}

// WriteScreenshot captures page into path, creating its directory first,
// and returns the path written.
func (s *Sink) WriteScreenshot(ctx context.Context, page Screenshotter, path string) (string, error) {
	if err := s.EnsureDirectory(filepath.Dir(path)); err != nil {
		return "", err
	}
	data, err := page.Screenshot(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to capture screenshot: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("failed to capture screenshot: empty image")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot %s: %w", path, err)
	}
	s.logger.Info("Screenshot saved", zap.String("path", path), zap.Int("bytes", len(data)))
	return path, nil
}
