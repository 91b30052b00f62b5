// Package downloader implements the manifest downloader: per-account
// enumeration of licensed apps, their depots, and public manifest ids, and
// bounded-retry fetch of each manifest's request code, decryption key, and
// bytes from a content-delivery server.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/manifesthub/manifesthub/internal/archive"
	"github.com/manifesthub/manifesthub/internal/model"
	"github.com/manifesthub/manifesthub/internal/steamsession"
)

// session is the subset of *steamsession.Session the downloader drives.
type session interface {
	Licenses() []steamsession.License
	GetProductInfo(packageIDs, appIDs []uint32) (steamsession.ProductInfoResult, error)
	PICSAccessTokens(appIDs []uint32) (map[uint32]uint64, error)
	GetCDNServers() ([]string, error)
	GetManifestRequestCode(appID, depotID uint32, manifestID uint64) (uint64, error)
	GetDepotKey(appID, depotID uint32) ([32]byte, error)
	DownloadManifest(server string, depotID uint32, manifestID uint64, requestCode uint64, depotKey [32]byte) ([]byte, error)
}

// manifestArchive is the subset of *archive.Archive the downloader needs.
type manifestArchive interface {
	HasManifest(appID, depotID uint32, manifestID uint64) bool
}

// Config tunes retry and concurrency behavior.
type Config struct {
	Attempts                int
	RetryDelay              time.Duration
	ConcurrentManifests     int
	CDNRefreshAfterFailures int
}

// DefaultConfig mirrors the manifest downloader's documented defaults: 30
// attempts, 10 second sleeps, 16 concurrent downloads per session.
func DefaultConfig() Config {
	return Config{
		Attempts:                30,
		RetryDelay:              10 * time.Second,
		ConcurrentManifests:     16,
		CDNRefreshAfterFailures: 5,
	}
}

// Target is one (app, depot, manifest) triple queued for download.
type Target struct {
	AppID      uint32
	DepotID    uint32
	ManifestID uint64
}

// Result is the outcome of one download_one call, handed to the archive
// write-task drain or logged and discarded on failure.
type Result struct {
	Descriptor model.ManifestDescriptor
	Err        error
	Silent     bool
}

// Downloader runs one account's harvest pipeline.
type Downloader struct {
	session session
	archive manifestArchive
	cfg     Config
	logger  *slog.Logger
	metrics MetricsRecorder

	mu             sync.Mutex
	servers        []string
	consecutiveErr int
}

// MetricsRecorder is the narrow metrics surface the downloader writes to,
// letting callers pass *metrics.Metrics or a no-op fake in tests.
type MetricsRecorder interface {
	ObserveDownloadAttempt(result string)
	ObserveDownloadRetry(call string)
	IncActiveDownloads()
	DecActiveDownloads()
}

// New builds a Downloader for one account's session.
func New(sess session, arch manifestArchive, cfg Config, logger *slog.Logger, metrics MetricsRecorder) *Downloader {
	return &Downloader{session: sess, archive: arch, cfg: cfg, logger: logger, metrics: metrics}
}

// Run executes the seven-step pipeline and returns one Result per download
// target (failures carry Err) plus the run-scoped set of (app_id, depot_id)
// pairs seen among the apps' public depots, whether downloaded, skipped as
// already archived, or failed — the "touched" set the tracking report
// partitions against.
func (d *Downloader) Run(ctx context.Context) ([]Result, map[string]bool, error) {
	licenses := d.session.Licenses()
	var payingPackageIDs []uint32
	for _, l := range licenses {
		if !l.IsComplimentary() {
			payingPackageIDs = append(payingPackageIDs, l.PackageID)
		}
	}

	info, err := d.session.GetProductInfo(payingPackageIDs, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("downloader: get package product info: %w", err)
	}

	appIDSet := map[uint32]bool{}
	for _, pkg := range info.Packages {
		for _, appID := range pkg.AppIDs {
			if appID != 0 {
				appIDSet[appID] = true
			}
		}
	}
	appIDs := make([]uint32, 0, len(appIDSet))
	for id := range appIDSet {
		appIDs = append(appIDs, id)
	}

	if _, err := d.session.PICSAccessTokens(appIDs); err != nil {
		return nil, nil, fmt.Errorf("downloader: get app access tokens: %w", err)
	}
	appInfo, err := d.session.GetProductInfo(nil, appIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("downloader: get app product info: %w", err)
	}

	var targets []Target
	touched := map[string]bool{}
	for _, app := range appInfo.Apps {
		for _, depot := range app.Depots {
			pairKey := fmt.Sprintf("%d_%d", app.AppID, depot.DepotID)
			touched[pairKey] = true
			if d.archive.HasManifest(app.AppID, depot.DepotID, depot.ManifestID) {
				continue
			}
			targets = append(targets, Target{AppID: app.AppID, DepotID: depot.DepotID, ManifestID: depot.ManifestID})
		}
	}

	results := make([]Result, len(targets))
	sem := make(chan struct{}, d.maxConcurrent())
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		sem <- struct{}{}
		d.metrics.IncActiveDownloads()
		go func(i int, t Target) {
			defer wg.Done()
			defer func() { <-sem }()
			defer d.metrics.DecActiveDownloads()
			results[i] = d.downloadOne(ctx, t)
		}(i, t)
	}
	wg.Wait()

	return results, touched, nil
}

func (d *Downloader) maxConcurrent() int {
	if d.cfg.ConcurrentManifests <= 0 {
		return DefaultConfig().ConcurrentManifests
	}
	return d.cfg.ConcurrentManifests
}

var errAccessDenied = errors.New("Access denied to manifest")
var errNoDepotKey = errors.New("Failed to get depot key")

// downloadOne fetches the request code, depot key, and manifest bytes for
// one target, each under the bounded retry schedule.
func (d *Downloader) downloadOne(ctx context.Context, t Target) Result {
	requestCode, err := d.retry(ctx, "manifest_request_code", func() (uint64, error) {
		return d.session.GetManifestRequestCode(t.AppID, t.DepotID, t.ManifestID)
	})
	if err != nil {
		return d.fail(err)
	}
	if requestCode == 0 {
		return d.fail(errAccessDenied)
	}

	depotKey, err := d.retryDepotKey(ctx, t)
	if err != nil {
		return d.fail(err)
	}

	server, err := d.serverFor(t.DepotID)
	if err != nil {
		return d.fail(err)
	}

	manifest, err := d.retryBytes(ctx, "download_manifest", func() ([]byte, error) {
		// Re-pick each attempt so a refreshed server list takes effect.
		if current, err := d.serverFor(t.DepotID); err == nil {
			server = current
		}
		return d.session.DownloadManifest(server, t.DepotID, t.ManifestID, requestCode, depotKey)
	})
	if err != nil {
		return d.fail(err)
	}

	d.metrics.ObserveDownloadAttempt("success")
	return Result{Descriptor: model.ManifestDescriptor{
		AppID:      t.AppID,
		DepotID:    t.DepotID,
		ManifestID: t.ManifestID,
		DepotKey:   depotKey,
		Manifest:   manifest,
	}}
}

func (d *Downloader) fail(err error) Result {
	d.metrics.ObserveDownloadAttempt("failure")
	silent := errors.Is(err, errAccessDenied) || errors.Is(err, errNoDepotKey)
	return Result{Err: err, Silent: silent}
}

// serverFor picks a content server by depot id modulo the server count, the
// same deterministic assignment every download of that depot uses.
func (d *Downloader) serverFor(depotID uint32) (string, error) {
	d.mu.Lock()
	servers := d.servers
	d.mu.Unlock()
	if len(servers) == 0 {
		var err error
		servers, err = d.refreshServers()
		if err != nil {
			return "", err
		}
	}
	if len(servers) == 0 {
		return "", fmt.Errorf("downloader: no CDN servers available")
	}
	return servers[int(depotID)%len(servers)], nil
}

func (d *Downloader) refreshServers() ([]string, error) {
	servers, err := d.session.GetCDNServers()
	if err != nil {
		return nil, fmt.Errorf("downloader: refresh CDN servers: %w", err)
	}
	d.mu.Lock()
	d.servers = servers
	d.mu.Unlock()
	return servers, nil
}

func (d *Downloader) noteFailure() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consecutiveErr++
	if d.consecutiveErr >= d.cfg.CDNRefreshAfterFailures {
		d.consecutiveErr = 0
		return true
	}
	return false
}

func (d *Downloader) noteSuccess() {
	d.mu.Lock()
	d.consecutiveErr = 0
	d.mu.Unlock()
}

// retry runs fn up to cfg.Attempts times with cfg.RetryDelay between
// attempts, the schedule every bounded-retry operation shares.
func (d *Downloader) retry(ctx context.Context, call string, fn func() (uint64, error)) (uint64, error) {
	attempts := d.attempts()
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		d.metrics.ObserveDownloadRetry(call)
		if i < attempts-1 {
			if err := sleep(ctx, d.cfg.RetryDelay); err != nil {
				return 0, err
			}
		}
	}
	return 0, fmt.Errorf("downloader: %s: exhausted %d attempts: %w", call, attempts, lastErr)
}

func (d *Downloader) retryDepotKey(ctx context.Context, t Target) ([32]byte, error) {
	attempts := d.attempts()
	var lastErr error
	for i := 0; i < attempts; i++ {
		key, err := d.session.GetDepotKey(t.AppID, t.DepotID)
		if err == nil {
			return key, nil
		}
		lastErr = err
		d.metrics.ObserveDownloadRetry("depot_key")
		if i < attempts-1 {
			if err := sleep(ctx, d.cfg.RetryDelay); err != nil {
				return [32]byte{}, err
			}
		}
	}
	if lastErr == nil {
		lastErr = errNoDepotKey
	}
	return [32]byte{}, fmt.Errorf("%w: %v", errNoDepotKey, lastErr)
}

func (d *Downloader) retryBytes(ctx context.Context, call string, fn func() ([]byte, error)) ([]byte, error) {
	attempts := d.attempts()
	var lastErr error
	for i := 0; i < attempts; i++ {
		data, err := fn()
		if err == nil {
			d.noteSuccess()
			return data, nil
		}
		lastErr = err
		d.metrics.ObserveDownloadRetry(call)
		if isCDNUnreachable(err) && d.noteFailure() {
			if _, refreshErr := d.refreshServers(); refreshErr != nil {
				d.logger.Warn("CDN server list refresh failed", slog.Any("error", refreshErr))
			}
		}
		if i < attempts-1 {
			if err := sleep(ctx, d.cfg.RetryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("downloader: %s: exhausted %d attempts: %w", call, attempts, lastErr)
}

func isCDNUnreachable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unreachable")
}

func (d *Downloader) attempts() int {
	if d.cfg.Attempts <= 0 {
		return DefaultConfig().Attempts
	}
	return d.cfg.Attempts
}

// sleep waits delay plus a small fixed jitter, or returns ctx.Err() if ctx
// is cancelled first.
func sleep(ctx context.Context, delay time.Duration) error {
	jitter := time.Duration(jitterNanos(delay))
	select {
	case <-time.After(delay + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// jitterNanos derives the jitter from the delay itself (5% of delay) rather
// than from a random source, so every retry with the same delay waits the
// same total time.
func jitterNanos(delay time.Duration) int64 {
	tenth := int64(delay) / 10
	if tenth <= 0 {
		return 0
	}
	return tenth / 2
}
