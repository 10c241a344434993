// Package main implements the tcmirror command-line tool for mirroring
// toolchain distribution channels.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/tcmirror/tcmirror/internal/mirror"
)

const (
	defaultConfigPath = "/etc/tcmirror/mirror.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "tcmirror",
	Short: "Mirror toolchain distribution channels",
	Long: `tcmirror is a tool for creating and maintaining offline mirrors of
toolchain distribution channels.

Find more information at: https://github.com/tcmirror/tcmirror`,
}

var syncCmd = &cobra.Command{
	Use:   "sync [mirror-ids...]",
	Short: "Synchronize one or more mirrors",
	Long: `Synchronizes one or more mirrors based on the provided configuration.

Usage:
  # Synchronize all mirrors in your configuration file
  tcmirror sync

  # Synchronize only specific mirrors
  tcmirror sync rust go

  # Use a custom configuration file
  tcmirror sync --config /path/to/custom-location.toml

  # Remove locally mirrored artifacts that were retracted upstream
  tcmirror sync --prune

  # Report the plan without downloading anything
  tcmirror sync --dry-run

  # Keep going and exit zero even when some artifacts fail
  tcmirror sync --tolerate-failures

If no mirror IDs are specified, all mirrors in the configuration file will
be synchronized.`,
	Run: runSync,
}

var planCmd = &cobra.Command{
	Use:   "plan [mirror-ids...]",
	Short: "Compute and print the sync plan without side effects",
	Long: `Computes the set of artifacts to fetch, skip and prune against the
current catalogs, without downloading or deleting anything.  Equivalent to
"sync --dry-run".`,
	Run: runPlan,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("tcmirror %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("help", "h", false, "help for tcmirror")
	rootCmd.PersistentFlags().Bool("no-pgp-check", false, "disable PGP signature verification")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress progress output")

	syncCmd.Flags().Bool("dry-run", false, "report the plan without downloading files")
	syncCmd.Flags().Bool("prune", false, "remove artifacts retracted upstream")
	syncCmd.Flags().Bool("tolerate-failures", false, "treat a pass with artifact failures as success")
	syncCmd.Flags().IntP("concurrency", "j", 0, "maximum concurrent downloads (overrides max_conns)")
	syncCmd.Flags().Int("retry-limit", 0, "download attempts per artifact (overrides retry_limit)")
	syncCmd.Flags().Bool("verify", false, "re-hash every mirrored file instead of the fast size check")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	return err.Error()
}

// analyzeUndecoded examines undecoded TOML keys and provides helpful suggestions
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	mirrorGroups := make(map[string]int)

	for _, key := range undecoded {
		keyStr := key.String()

		// Check for the common "mirror" vs "mirrors" typo
		if strings.HasPrefix(keyStr, "mirror.") && !strings.HasPrefix(keyStr, "mirrors.") {
			parts := strings.Split(keyStr, ".")
			if len(parts) >= 2 {
				mirrorGroups[parts[0]+"."+parts[1]]++
			}
		} else {
			unknown = append(unknown, keyStr)
		}
	}

	for rootSection, count := range mirrorGroups {
		correctedSection := strings.Replace(rootSection, "mirror.", "mirrors.", 1)
		if count == 1 {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s'", rootSection, correctedSection))
		} else {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s' (affects %d subsections)", rootSection, correctedSection, count))
		}
	}

	return suggestions, unknown
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var errorMsg strings.Builder
	if len(suggestions) > 0 {
		errorMsg.WriteString("configuration contains sections that don't match expected structure:\n")
		for _, suggestion := range suggestions {
			errorMsg.WriteString("  • " + suggestion + "\n")
		}
		errorMsg.WriteString("\nNote: Configuration section names are case-sensitive and must match exactly.")
	}

	if len(unknown) > 0 {
		if errorMsg.Len() > 0 {
			errorMsg.WriteString("\n\nAdditionally, found unknown sections: ")
		} else {
			errorMsg.WriteString("configuration contains unknown sections: ")
		}
		errorMsg.WriteString(fmt.Sprintf("%v", unknown))
		errorMsg.WriteString("\nThese sections don't match any expected configuration structure.")
	}

	return errorMsg.String()
}

// loadConfig decodes and validates the configuration file, exiting on failure.
func loadConfig(verboseErrors bool) *mirror.Config {
	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
			os.Exit(1)
		}
		slog.Error("failed to decode config file", "error", formatError(err, verboseErrors), "path", configPath)
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		slog.Error("configuration validation failed", "error", formatUndecodedError(undecoded), "path", configPath)
		os.Exit(1)
	}

	if err := config.Log.Apply(); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}

	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply command-line log level", "level", logLevel, "error", err)
			os.Exit(1)
		}
	}

	return config
}

func syncOptionsFromFlags(cmd *cobra.Command) mirror.SyncOptions {
	var opts mirror.SyncOptions
	opts.NoPGPCheck, _ = cmd.Flags().GetBool("no-pgp-check")
	opts.Quiet, _ = cmd.Flags().GetBool("quiet")
	if cmd.Flags().Lookup("dry-run") != nil {
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
		opts.Prune, _ = cmd.Flags().GetBool("prune")
		opts.TolerateFailures, _ = cmd.Flags().GetBool("tolerate-failures")
		opts.Concurrency, _ = cmd.Flags().GetInt("concurrency")
		opts.RetryLimit, _ = cmd.Flags().GetInt("retry-limit")
		opts.Verify, _ = cmd.Flags().GetBool("verify")
	}
	return opts
}

// signalContext returns a context canceled on SIGINT/SIGTERM, so
// in-flight downloads stop cleanly at their next suspension point.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSync(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := loadConfig(verboseErrors)
	opts := syncOptionsFromFlags(cmd)

	ctx, cancel := signalContext()
	defer cancel()

	summaries, err := mirror.Run(ctx, config, args, opts)
	for _, summary := range summaries {
		summary.Log()
		fmt.Print(summary.Format())
	}
	if err != nil {
		slog.Error("sync failed", "error", formatError(err, verboseErrors))
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}
}

func runPlan(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := loadConfig(verboseErrors)

	opts := syncOptionsFromFlags(cmd)
	opts.DryRun = true

	ctx, cancel := signalContext()
	defer cancel()

	summaries, err := mirror.Run(ctx, config, args, opts)
	for _, summary := range summaries {
		fmt.Print(summary.Format())
		for _, id := range summary.Fetched {
			fmt.Printf("  would fetch: %s\n", id)
		}
		for _, id := range summary.Pruned {
			fmt.Printf("  would prune: %s\n", id)
		}
	}
	if err != nil {
		slog.Error("planning failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := loadConfig(verboseErrors)

	var validationErrors []error

	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "global config"))
	}

	for mirrorID, mirrorConfig := range config.Mirrors {
		if !mirror.IsValidID(mirrorID) {
			validationErrors = append(validationErrors, errors.New("invalid mirror ID: "+mirrorID))
		}
		if err := mirrorConfig.Check(); err != nil {
			validationErrors = append(validationErrors, errors.Wrap(err, "mirror \""+mirrorID+"\""))
		}
	}

	if len(validationErrors) > 0 {
		for _, err := range validationErrors {
			slog.Error("validation error", "error", formatError(err, verboseErrors))
		}
		os.Exit(1)
	}

	fmt.Println("configuration is valid")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
