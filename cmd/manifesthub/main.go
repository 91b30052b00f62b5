// Package main is the manifesthub CLI entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/manifesthub/manifesthub/internal/account"
	"github.com/manifesthub/manifesthub/internal/archive"
	cfgpkg "github.com/manifesthub/manifesthub/internal/config"
	"github.com/manifesthub/manifesthub/internal/downloader"
	"github.com/manifesthub/manifesthub/internal/logging"
	"github.com/manifesthub/manifesthub/internal/metrics"
	"github.com/manifesthub/manifesthub/internal/orchestrator"
	"github.com/manifesthub/manifesthub/internal/secure"
	"github.com/manifesthub/manifesthub/internal/statusserver"
	"github.com/manifesthub/manifesthub/internal/steamsession"
)

// must panics if err is non-nil. Used only for cobra flag-registration
// errors during init, which are programmer errors, not runtime failures.
func must(err error) {
	if err != nil {
		panic(fmt.Errorf("initialization error: %w", err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "manifesthub [download|account]",
	Short: "Harvest Steam depot manifests into a Git archive",
	Args:  cobra.MaximumNArgs(1),
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringP("account", "a", "", "Path to the account ingestion file (account mode)")
	flags.StringP("token", "t", "", "Forge push token, used as x-access-token's password")
	flags.IntP("concurrent-account", "c", cfgpkg.DefaultConcurrentAccounts, "Max concurrent Steam sessions")
	flags.IntP("concurrent-manifest", "p", cfgpkg.DefaultConcurrentManifests, "Max concurrent manifest downloads per session")
	flags.IntP("index", "i", 0, "This instance's partition index (account mode)")
	flags.IntP("number", "n", 1, "Total partition count (account mode)")
	flags.StringP("key", "k", "", "Base64-encoded 32-byte AES key for account secrets")
	flags.String("repo-path", ".", "Path to the local clone of the archive repository")
	flags.String("config", "", "Optional path to a YAML config file overlay")
	flags.String("log-format", "json", "Log output format: json or text")
	flags.String("status-addr", "", "If set, serve /metrics and /healthz on this address")

	must(rootCmd.MarkFlagRequired("token"))
	must(rootCmd.MarkFlagRequired("key"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	mode := "download"
	if len(args) == 1 {
		mode = args[0]
	}
	if mode != "download" && mode != "account" {
		return fmt.Errorf("manifesthub: invalid mode %q (want \"download\" or \"account\")", mode)
	}

	flags := cmd.Flags()
	accountPath, _ := flags.GetString("account")
	token, _ := flags.GetString("token")
	concurrentAccount, _ := flags.GetInt("concurrent-account")
	concurrentManifest, _ := flags.GetInt("concurrent-manifest")
	index, _ := flags.GetInt("index")
	number, _ := flags.GetInt("number")
	keyB64, _ := flags.GetString("key")
	repoPath, _ := flags.GetString("repo-path")
	configPath, _ := flags.GetString("config")
	logFormat, _ := flags.GetString("log-format")
	statusAddr, _ := flags.GetString("status-addr")

	appCfg := cfgpkg.Config{
		ConcurrentAccounts:  concurrentAccount,
		ConcurrentManifests: concurrentManifest,
		DownloadAttempts:    cfgpkg.DefaultDownloadAttempts,
		DownloadRetryDelay:  cfgpkg.DefaultDownloadRetryDelay,
		StatusAddr:          statusAddr,
	}
	if configPath != "" {
		loaded, err := cfgpkg.LoadFile(configPath, appCfg)
		if err != nil {
			return err
		}
		appCfg = loaded
	}

	logger := logging.New(logFormat, slog.LevelInfo)

	key, err := secure.ParseKey(keyB64)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("manifesthub: register metrics: %w", err)
	}

	if appCfg.StatusAddr != "" {
		srv := statusserver.New(reg, logger)
		go func() {
			if err := srv.ListenAndServe(appCfg.StatusAddr); err != nil {
				logger.Error("status server exited", slog.Any("error", err))
			}
		}()
	}

	locks := archive.NewBranchLocks()
	arch, err := archive.Open(repoPath, token, locks, m)
	if err != nil {
		return fmt.Errorf("manifesthub: open archive: %w", err)
	}
	vault := account.New(arch.Store(), locks, key)

	newSession := func() orchestrator.Session {
		return steamsession.New(steamsession.NewRealClient(), logger)
	}

	dlCfg := downloader.DefaultConfig()
	dlCfg.Attempts = appCfg.DownloadAttempts
	dlCfg.RetryDelay = appCfg.DownloadRetryDelay
	dlCfg.ConcurrentManifests = appCfg.ConcurrentManifests

	orchCfg := orchestrator.Config{
		ConcurrentAccounts: appCfg.ConcurrentAccounts,
		Downloader:         dlCfg,
	}
	orch := orchestrator.New(vault, arch, newSession, orchCfg, logger, m)

	ctx := context.Background()

	switch mode {
	case "download":
		report, err := orch.RunDownload(ctx)
		if err != nil {
			return fmt.Errorf("manifesthub: download run failed: %w", err)
		}
		logger.Info("download run complete",
			slog.Int("active", len(report.Active)),
			slog.Int("orphan", len(report.Orphan)),
			slog.Int("access_denied", len(report.AccessDenied)))
		if summaryPath := os.Getenv("GITHUB_STEP_SUMMARY"); summaryPath != "" {
			if err := appendToFile(summaryPath, report.Markdown()); err != nil {
				logger.Error("write tracking report failed", slog.Any("error", err))
			}
		}
		return nil
	case "account":
		if accountPath == "" {
			return fmt.Errorf("manifesthub: --account is required in account mode")
		}
		return orch.RunAccountIngestion(ctx, accountPath, index, number)
	default:
		return fmt.Errorf("manifesthub: invalid mode %q", mode)
	}
}

func appendToFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}
