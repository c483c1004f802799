package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/commjoen/urlanalyzer/internal/analysis"
	"github.com/commjoen/urlanalyzer/internal/cache"
	"github.com/commjoen/urlanalyzer/internal/output"
	"github.com/commjoen/urlanalyzer/internal/store"
	"github.com/commjoen/urlanalyzer/pkg/models"
)

var (
	format     string
	outputFile string
)

var scanCmd = &cobra.Command{
	Use:   "scan <url>",
	Short: "Analyze one URL and print the result",
	Long: `scan runs a single analysis in-process. Results are kept in memory only;
no database or Redis is needed.`,
	Example: `  urlanalyzer scan https://example.com
  urlanalyzer scan https://example.com --format json --out result.json
  urlanalyzer scan https://example.com --format csv`,
	Args: cobra.ExactArgs(1),
	RunE: scan,
}

func init() {
	scanCmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json, or csv")
	scanCmd.Flags().StringVarP(&outputFile, "out", "o", "", "Write output to file (default: stdout)")
}

func scan(cmd *cobra.Command, args []string) error {
	target := strings.TrimSpace(args[0])
	if err := analysis.ValidateURL(target); err != nil {
		return fmt.Errorf("invalid url %q: %w", target, err)
	}

	formatter, err := output.NewFormatter(format)
	if err != nil {
		return err
	}
	if err := validateOutputPath(outputFile); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(ctx, cfg, store.NewMemory(), cache.NewMemory(), nil, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	result, err := eng.analyzer.Analyze(ctx, target)
	if err != nil {
		return err
	}

	return outputResults(cmd.OutOrStdout(), formatter, result)
}

// validateOutputPath performs security validation on the output file path
func validateOutputPath(path string) error {
	if path == "" {
		return nil
	}

	cleanPath := filepath.Clean(path)
	if filepath.IsAbs(cleanPath) {
		sensitivePatterns := []string{"/etc/", "/var/", "/usr/", "/bin/", "/sbin/", "/root/"}
		for _, pattern := range sensitivePatterns {
			if strings.HasPrefix(cleanPath, pattern) {
				return fmt.Errorf("refusing to write to sensitive system location: %s", cleanPath)
			}
		}
	}

	return nil
}

func outputResults(stdout io.Writer, formatter output.Formatter, result *models.Result) error {
	if outputFile == "" {
		return formatter.Write(stdout, result)
	}

	// #nosec G304 -- User-provided output file path is intentional for CLI tool
	f, err := os.Create(filepath.Clean(outputFile))
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	return formatter.Write(f, result)
}
