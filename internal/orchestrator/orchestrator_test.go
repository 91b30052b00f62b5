package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/stretchr/testify/require"

	"github.com/manifesthub/manifesthub/internal/account"
	"github.com/manifesthub/manifesthub/internal/archive"
	"github.com/manifesthub/manifesthub/internal/downloader"
	"github.com/manifesthub/manifesthub/internal/friendcode"
	"github.com/manifesthub/manifesthub/internal/model"
	"github.com/manifesthub/manifesthub/internal/secure"
	"github.com/manifesthub/manifesthub/internal/steamsession"
)

// newTestRepo creates a local work tree with a local bare "origin", the
// same no-network setup the archive and account vault tests use.
func newTestRepo(t *testing.T) string {
	t.Helper()
	bareDir := t.TempDir()
	_, err := git.PlainInit(bareDir, true)
	require.NoError(t, err)

	workDir := t.TempDir()
	repo, err := git.PlainInit(workDir, false)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{bareDir}})
	require.NoError(t, err)
	return workDir
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type noopMetrics struct{}

func (noopMetrics) ObserveDownloadAttempt(string)     {}
func (noopMetrics) ObserveDownloadRetry(string)       {}
func (noopMetrics) IncActiveDownloads()               {}
func (noopMetrics) DecActiveDownloads()               {}
func (noopMetrics) ObserveArchiveWrite(string)         {}
func (noopMetrics) ObserveArchiveWriteDuration(float64) {}
func (noopMetrics) ObserveAccountRemoved()             {}
func (noopMetrics) SetActiveSessions(float64)          {}
func (noopMetrics) AddTagsPruned(int)                  {}

// fakeSession implements the orchestrator's session interface with a
// single licensed app/depot/manifest, enough to exercise the full
// login -> download -> archive pipeline end to end.
type fakeSession struct {
	steamID64    uint64
	refreshToken string
}

func (f *fakeSession) Connect(ctx context.Context) error { return nil }
func (f *fakeSession) Authenticate(ctx context.Context, username, password, refreshToken string) error {
	return nil
}
func (f *fakeSession) WaitReady(ctx context.Context) error { return nil }
func (f *fakeSession) RefreshToken() (string, bool)        { return f.refreshToken, f.refreshToken != "" }
func (f *fakeSession) SteamID64() uint64                   { return f.steamID64 }
func (f *fakeSession) Disconnect()                         {}
func (f *fakeSession) Licenses() []steamsession.License {
	return []steamsession.License{{PackageID: 10}}
}
func (f *fakeSession) GetProductInfo(packageIDs, appIDs []uint32) (steamsession.ProductInfoResult, error) {
	if len(packageIDs) > 0 {
		return steamsession.ProductInfoResult{Packages: []steamsession.PackageInfo{{PackageID: 10, AppIDs: []uint32{100}}}}, nil
	}
	return steamsession.ProductInfoResult{Apps: []steamsession.AppInfo{{AppID: 100, Depots: []steamsession.AppDepot{
		{DepotID: 200, ManifestID: 42},
	}}}}, nil
}
func (f *fakeSession) PICSAccessTokens(appIDs []uint32) (map[uint32]uint64, error) { return nil, nil }
func (f *fakeSession) GetCDNServers() ([]string, error)                            { return []string{"cdn.example.com"}, nil }
func (f *fakeSession) GetManifestRequestCode(appID, depotID uint32, manifestID uint64) (uint64, error) {
	return 999, nil
}
func (f *fakeSession) GetDepotKey(appID, depotID uint32) ([32]byte, error) {
	return [32]byte{0x11, 0x22}, nil
}
func (f *fakeSession) DownloadManifest(server string, depotID uint32, manifestID uint64, requestCode uint64, depotKey [32]byte) ([]byte, error) {
	return []byte("manifest-bytes"), nil
}

func TestRunDownloadSeedsBranchAccountAndTag(t *testing.T) {
	workDir := newTestRepo(t)
	locks := archive.NewBranchLocks()

	arch, err := archive.Open(workDir, "", locks, nil)
	require.NoError(t, err)

	var key [secure.KeySize]byte
	vault := account.New(arch.Store(), locks, key)

	steamID := uint64(76561198000000000)
	index := friendcode.Derive(steamID)
	require.NoError(t, vault.WriteAccount(model.Account{AccountName: "acct1", AccountPassword: "pw", Index: index}))

	cfg := Config{ConcurrentAccounts: 1, Downloader: downloader.Config{Attempts: 1, ConcurrentManifests: 4}}
	orch := New(vault, arch, func() Session { return &fakeSession{steamID64: steamID} }, cfg, testLogger(), noopMetrics{})

	report, err := orch.RunDownload(context.Background())
	require.NoError(t, err)

	require.True(t, arch.HasManifest(100, 200, 42))
	require.Contains(t, report.Active, "100_200")

	_, ok, err := vault.GetAccount("acct1")
	require.NoError(t, err)
	require.True(t, ok)
}

type terminalAuthFailureSession struct {
	fakeSession
}

func (f *terminalAuthFailureSession) Authenticate(ctx context.Context, username, password, refreshToken string) error {
	return &steamsession.TerminalAuthError{Kind: steamsession.InvalidPassword}
}

func TestRunDownloadRemovesAccountOnTerminalAuthFailure(t *testing.T) {
	workDir := newTestRepo(t)
	locks := archive.NewBranchLocks()

	arch, err := archive.Open(workDir, "", locks, nil)
	require.NoError(t, err)

	var key [secure.KeySize]byte
	vault := account.New(arch.Store(), locks, key)

	steamID := uint64(76561198000000001)
	index := friendcode.Derive(steamID)
	require.NoError(t, vault.WriteAccount(model.Account{AccountName: "acct2", AccountPassword: "pw", Index: index}))

	cfg := Config{ConcurrentAccounts: 1, Downloader: downloader.Config{Attempts: 1, ConcurrentManifests: 4}}
	orch := New(vault, arch, func() Session {
		return &terminalAuthFailureSession{fakeSession: fakeSession{steamID64: steamID}}
	}, cfg, testLogger(), noopMetrics{})

	_, err = orch.RunDownload(context.Background())
	require.NoError(t, err)

	_, ok, err := vault.GetAccount("acct2")
	require.NoError(t, err)
	require.False(t, ok, "a terminal auth error must remove the account from the vault")
}
