// Package orchestrator drives the two CLI modes: download (enumerate the
// account pool, spin one Steam session per account, fan out manifest
// downloads, and archive the results) and account (ingest an external
// credential file and refresh tokens for an assigned partition of it).
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manifesthub/manifesthub/internal/account"
	"github.com/manifesthub/manifesthub/internal/archive"
	"github.com/manifesthub/manifesthub/internal/downloader"
	"github.com/manifesthub/manifesthub/internal/friendcode"
	"github.com/manifesthub/manifesthub/internal/model"
	"github.com/manifesthub/manifesthub/internal/steamsession"
)

// Session is the subset of *steamsession.Session an account task drives.
// Keeping this as an interface (rather than depending on *steamsession.Session
// directly) is what lets tests drive the orchestrator without a real Steam
// connection, and lets the CLI entry point build a factory from outside
// this package.
type Session interface {
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context, username, password, refreshToken string) error
	WaitReady(ctx context.Context) error
	RefreshToken() (string, bool)
	SteamID64() uint64
	Disconnect()
	Licenses() []steamsession.License
	GetProductInfo(packageIDs, appIDs []uint32) (steamsession.ProductInfoResult, error)
	PICSAccessTokens(appIDs []uint32) (map[uint32]uint64, error)
	GetCDNServers() ([]string, error)
	GetManifestRequestCode(appID, depotID uint32, manifestID uint64) (uint64, error)
	GetDepotKey(appID, depotID uint32) ([32]byte, error)
	DownloadManifest(server string, depotID uint32, manifestID uint64, requestCode uint64, depotKey [32]byte) ([]byte, error)
}

// sessionFactory builds a fresh Steam session for one account task.
type sessionFactory func() Session

// MetricsRecorder is the metrics surface the orchestrator and its
// downloaders report to.
type MetricsRecorder interface {
	downloader.MetricsRecorder
	ObserveArchiveWrite(outcome string)
	ObserveArchiveWriteDuration(seconds float64)
	ObserveAccountRemoved()
	SetActiveSessions(n float64)
	AddTagsPruned(n int)
}

// Config tunes orchestrator-level concurrency and retry behavior.
type Config struct {
	ConcurrentAccounts int
	Downloader         downloader.Config
}

// DefaultConfig mirrors the CLI's documented flag defaults.
func DefaultConfig() Config {
	return Config{ConcurrentAccounts: 4, Downloader: downloader.DefaultConfig()}
}

// Orchestrator wires the account vault, manifest archive, and a Steam
// session factory into the download and account CLI modes.
type Orchestrator struct {
	vault      *account.Vault
	archive    *archive.Archive
	newSession sessionFactory
	cfg        Config
	logger     *slog.Logger
	metrics    MetricsRecorder
}

// New builds an Orchestrator. newSession is called once per account task.
func New(vault *account.Vault, arch *archive.Archive, newSession sessionFactory, cfg Config, logger *slog.Logger, metrics MetricsRecorder) *Orchestrator {
	return &Orchestrator{vault: vault, archive: arch, newSession: newSession, cfg: cfg, logger: logger, metrics: metrics}
}

// RunDownload executes the download-mode orchestration: every account in
// the vault, each under the account semaphore, drives a session and a
// downloader fan-out; once every account task finishes, expired tags are
// pruned and a tracking report is returned for the caller to deliver.
func (o *Orchestrator) RunDownload(ctx context.Context) (archive.TrackingReport, error) {
	runID := uuid.NewString()
	logger := o.logger.With(slog.String("run_id", runID))

	accounts, err := o.vault.EnumerateAccounts(true)
	if err != nil {
		return archive.TrackingReport{}, err
	}

	sem := make(chan struct{}, o.concurrentAccounts())
	var wg sync.WaitGroup
	var touchedMu sync.Mutex
	touched := map[string]bool{}

	var activeMu sync.Mutex
	activeSessions := 0

	for _, acct := range accounts {
		wg.Add(1)
		sem <- struct{}{}
		go func(acct model.Account) {
			defer wg.Done()
			defer func() { <-sem }()

			activeMu.Lock()
			activeSessions++
			o.metrics.SetActiveSessions(float64(activeSessions))
			activeMu.Unlock()
			defer func() {
				activeMu.Lock()
				activeSessions--
				o.metrics.SetActiveSessions(float64(activeSessions))
				activeMu.Unlock()
			}()

			accountTouched := o.runDownloadAccount(ctx, logger.With(slog.String("account", acct.AccountName)), acct)
			touchedMu.Lock()
			for k := range accountTouched {
				touched[k] = true
			}
			touchedMu.Unlock()
		}(acct)
	}
	wg.Wait()

	pruned, err := o.archive.PruneExpiredTags()
	if err != nil {
		logger.Error("prune expired tags failed", slog.Any("error", err))
	} else {
		logger.Info("pruned expired tags", slog.Int("count", pruned))
		o.metrics.AddTagsPruned(pruned)
	}

	return o.archive.ReportTrackingStatus(touched)
}

// runDownloadAccount owns one account's login-download-writeback sequence.
// Errors are logged and swallowed per the rule that no per-account failure
// aborts the run; only a terminal auth error triggers account removal.
func (o *Orchestrator) runDownloadAccount(ctx context.Context, logger *slog.Logger, acct model.Account) map[string]bool {
	sess := o.newSession()
	if err := sess.Connect(ctx); err != nil {
		logger.Error("session connect failed", slog.Any("error", err))
		return nil
	}
	defer sess.Disconnect()

	if err := sess.Authenticate(ctx, acct.AccountName, acct.AccountPassword, acct.RefreshToken); err != nil {
		o.handleAuthFailure(logger, acct, err)
		return nil
	}

	if err := sess.WaitReady(ctx); err != nil {
		logger.Error("session never became ready", slog.Any("error", err))
		return nil
	}

	updated := refreshAccountInfo(acct, sess)
	if updated.RefreshToken != acct.RefreshToken {
		if err := o.vault.WriteAccount(updated); err != nil {
			logger.Error("write refreshed account record failed", slog.Any("error", err))
		}
	}

	dl := downloader.New(sess, o.archive, o.cfg.Downloader, logger, o.metrics)
	results, touched, err := dl.Run(ctx)
	if err != nil {
		logger.Error("download run failed", slog.Any("error", err))
		return touched
	}

	onWaiting := func(waited time.Duration) {
		logger.Warn("branch lock contended", slog.Duration("waited", waited))
	}
	for _, r := range results {
		if r.Err != nil {
			if !r.Silent {
				logger.Error("manifest download failed", slog.Any("error", r.Err))
			}
			continue
		}
		outcome, err := o.archive.WriteManifest(r.Descriptor, onWaiting)
		if err != nil {
			logger.Error("write manifest failed", slog.Any("error", err))
			continue
		}
		logger.Info("wrote manifest", slog.String("outcome", outcome.String()),
			slog.Uint64("app_id", uint64(r.Descriptor.AppID)),
			slog.Uint64("depot_id", uint64(r.Descriptor.DepotID)))
	}

	return touched
}

func (o *Orchestrator) handleAuthFailure(logger *slog.Logger, acct model.Account, err error) {
	if steamsession.IsTerminalAuthError(err) {
		logger.Warn("terminal auth error, removing account", slog.Any("error", err))
		if acct.Index != "" {
			if removeErr := o.vault.RemoveAccount(acct); removeErr != nil {
				logger.Error("remove account failed", slog.Any("error", removeErr))
				return
			}
			o.metrics.ObserveAccountRemoved()
		}
		return
	}
	logger.Error("authentication failed", slog.Any("error", err))
}

// refreshAccountInfo returns acct with its refresh token and index updated
// from the now-logged-on session, bumping last_refresh only when a new
// token was actually issued.
func refreshAccountInfo(acct model.Account, sess Session) model.Account {
	updated := acct
	updated.Index = friendcode.Derive(sess.SteamID64())
	if token, ok := sess.RefreshToken(); ok && token != acct.RefreshToken {
		updated.RefreshToken = token
		now := time.Now()
		updated.LastRefresh = &now
	}
	return updated
}

func (o *Orchestrator) concurrentAccounts() int {
	if o.cfg.ConcurrentAccounts <= 0 {
		return DefaultConfig().ConcurrentAccounts
	}
	return o.cfg.ConcurrentAccounts
}
