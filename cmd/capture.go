package cmd

import (
	"context"
	"fmt"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/profilecap/internal/config"
	"github.com/xkilldash9x/profilecap/internal/observability"
)

// openFile opens a file with the OS default viewer. Tests replace it.
var openFile = browser.OpenFile

func newCaptureCmd() *cobra.Command {
	var open bool

	captureCmd := &cobra.Command{
		Use:   "capture <profile-url>",
		Short: "Capture one profile and exit",
		Long: `Capture one profile without starting the HTTP service.

The argument is a profile URL on linkedin.com. A verification
challenge opens a visible browser window exactly as the service does.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			path, err := runCapture(cmd.Context(), cfg, args[0], observability.GetLogger())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), path)
			if open {
				if err := openFile(path); err != nil {
					return fmt.Errorf("failed to open %s: %w", path, err)
				}
			}
			return nil
		},
	}

	captureCmd.Flags().BoolVar(&open, "open", false, "Open the screenshot with the default image viewer.")
	return captureCmd
}

// runCapture performs a single fetch. The rate limit window does not apply
// to a one-shot run.
func runCapture(ctx context.Context, cfg *config.Config, rawURL string, logger *zap.Logger) (string, error) {
	comps, err := initializeComponents(ctx, cfg, componentOptions{History: true}, logger)
	defer comps.Shutdown(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to initialize capture components: %w", err)
	}

	res := comps.Orchestrator.Fetch(ctx, rawURL)
	if !res.Success {
		return "", res.Err
	}
	return res.ScreenshotPath, nil
}
