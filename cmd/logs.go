package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/hpcloud/tail"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

func newLogsCmd() *cobra.Command {
	var (
		follow   bool
		minLevel string
	)

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the service log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Logger.LogFile == "" {
				return fmt.Errorf("no log file configured (logger.log_file)")
			}
			level, err := zapcore.ParseLevel(minLevel)
			if err != nil {
				return err
			}
			return printLogs(cmd.Context(), cmd.OutOrStdout(), cfg.Logger.LogFile, follow, level)
		},
	}

	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing lines as they are written.")
	logsCmd.Flags().StringVar(&minLevel, "level", "debug", "Only print entries at or above this level.")
	return logsCmd
}

// printLogs copies the JSON log file at path to out. With follow it keeps
// going across rotations until ctx is canceled.
func printLogs(ctx context.Context, out io.Writer, path string, follow bool, level zapcore.Level) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer t.Cleanup()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				return fmt.Errorf("failed to read log file: %w", line.Err)
			}
			if !atLeast(line.Text, level) {
				continue
			}
			if _, err := fmt.Fprintln(out, line.Text); err != nil {
				return err
			}
		}
	}
}

// atLeast reports whether a JSON log line is at or above level. Lines that
// are not zap JSON are always printed.
func atLeast(text string, level zapcore.Level) bool {
	if level <= zapcore.DebugLevel {
		return true
	}
	var entry struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal([]byte(text), &entry); err != nil || entry.Level == "" {
		return true
	}
	l, err := zapcore.ParseLevel(entry.Level)
	if err != nil {
		return true
	}
	return l >= level
}
