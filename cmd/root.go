// Package cmd provides the lmsguard command-line interface.
package cmd

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lmsguard/bootstrap"
	"lmsguard/config"
	"lmsguard/proctor"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X lmsguard/cmd.Version=...".
var Version = "dev"

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configFile string
	noColor    bool
}

// NewRootCmd creates the lmsguard command. Without a subcommand it runs the server.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "lmsguard",
		Short: "Request security gateway for the LMS API",
		Long: `lmsguard sits in front of the LMS API and applies rate limiting, CSRF protection,
Safe Exam Browser enforcement on proctored routes, and audit logging of critical requests.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newSEBConfigCmd(opts))
	root.AddCommand(newVersionCmd())

	return root
}

// Execute runs the root command and reports any error on stderr.
func Execute() int {
	root := NewRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// runServe initializes and runs the gateway until a shutdown signal arrives.
func runServe(ctx context.Context, opts *rootOptions) error {
	app, err := bootstrap.NewApp(ctx, opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown(context.Background())
		return fmt.Errorf("failed to start application: %w", err)
	}

	serveErr := app.WaitForShutdown(ctx)
	app.Shutdown(context.Background())
	return serveErr
}

func newSEBConfigCmd(opts *rootOptions) *cobra.Command {
	var (
		examID  string
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "seb-config",
		Short: "Generate a Safe Exam Browser configuration for an exam",
		Long: `Generate the .seb configuration a Safe Exam Browser client loads before opening a
proctored exam. URLs and blocked processes come from the proctoring.seb config section.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(examID) == "" {
				return fmt.Errorf("--exam is required")
			}

			cfg, err := config.LoadConfig(opts.configFile)
			if err != nil {
				return err
			}

			seb := proctor.BuildSEBConfig(examID, cfg.Proctoring.SEB, time.Now())
			data, err := seb.Marshal()
			if err != nil {
				return fmt.Errorf("failed to encode SEB config: %w", err)
			}

			if outFile == "" {
				return writeAll(cmd.OutOrStdout(), data)
			}
			if outFile == "-" {
				outFile = seb.Filename()
			}
			if err := validateFilePath(outFile); err != nil {
				return err
			}
			if err := os.WriteFile(outFile, append(data, '\n'), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", outFile, err)
			}
			successColor.Fprintf(cmd.ErrOrStderr(), "✓ SEB config written: %s\n", outFile)
			infoColor.Fprintf(cmd.ErrOrStderr(), "  start URL: %s\n", seb.StartURL)
			return nil
		},
	}

	cmd.Flags().StringVar(&examID, "exam", "", "Exam ID (required)")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "Write to file instead of stdout (\"-\" uses exam_<id>.seb)")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lmsguard %s\n", Version)
		},
	}
}

func writeAll(w io.Writer, data []byte) error {
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// validateFilePath rejects output paths that escape the working directory,
// including URL-encoded traversal such as %2e%2e%2f.
func validateFilePath(filename string) error {
	decoded, err := url.QueryUnescape(filename)
	if err != nil {
		decoded = filename
	}

	if strings.Contains(decoded, "..") || strings.Contains(filename, "..") {
		return fmt.Errorf("path traversal detected: '..' not allowed in file path")
	}

	absPath, err := filepath.Abs(filepath.Clean(decoded))
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	if absPath != workDir && !strings.HasPrefix(absPath, workDir+string(filepath.Separator)) {
		return fmt.Errorf("path escapes current directory")
	}
	return nil
}
