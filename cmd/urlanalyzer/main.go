// urlanalyzer drives a headless browser through URLs and records everything the
// page did while loading
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
	verbose    bool

	// Version information (set during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "urlanalyzer",
	Short: "Browser-driven URL analysis service",
	Long: `urlanalyzer loads a URL in a headless Chrome, captures every request and
response the page makes, and joins them with DNS, TLS certificate, Safe
Browsing and certificate transparency data into one persisted analysis.

Configuration is read from config.yaml, a .env file and the environment
(e.g. SAFEBROWSING_API_KEY, IMGUR_CLIENT_ID, DATABASE_HOST, REDIS_ADDRESS).`,
	Example: `  # Run the HTTP service
  urlanalyzer serve

  # Analyze one URL without a database and print a summary
  urlanalyzer scan https://example.com

  # Apply database migrations
  urlanalyzer migrate up`,
	SilenceUsage: true,
}

func init() {
	initVersion()
	rootCmd.Version = version
	rootCmd.SetVersionTemplate("urlanalyzer version {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd, scanCmd, migrateCmd, versionCmd)
}

// initVersion falls back to the module version when no version was linked in
func initVersion() {
	if version != "dev" && version != "" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		version = v
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "urlanalyzer version %s\n", version)
	},
}
