package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifesthub/manifesthub/internal/steamsession"
)

type fakeSession struct {
	licenses []steamsession.License
	product  steamsession.ProductInfoResult
	servers  []string

	mu            sync.Mutex
	depotKeyFails map[[2]uint32]int
}

func (f *fakeSession) Licenses() []steamsession.License { return f.licenses }

func (f *fakeSession) GetProductInfo(packageIDs, appIDs []uint32) (steamsession.ProductInfoResult, error) {
	return f.product, nil
}

func (f *fakeSession) PICSAccessTokens(appIDs []uint32) (map[uint32]uint64, error) {
	return nil, nil
}

func (f *fakeSession) GetCDNServers() ([]string, error) { return f.servers, nil }

func (f *fakeSession) GetManifestRequestCode(appID, depotID uint32, manifestID uint64) (uint64, error) {
	return 111, nil
}

func (f *fakeSession) GetDepotKey(appID, depotID uint32) ([32]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]uint32{appID, depotID}
	if f.depotKeyFails[key] > 0 {
		f.depotKeyFails[key]--
		return [32]byte{}, errors.New("temporary failure")
	}
	return [32]byte{1, 2, 3}, nil
}

func (f *fakeSession) DownloadManifest(server string, depotID uint32, manifestID uint64, requestCode uint64, depotKey [32]byte) ([]byte, error) {
	return []byte(fmt.Sprintf("manifest-%d-%d", depotID, manifestID)), nil
}

type fakeArchive struct {
	known map[[3]uint64]bool
}

func (f *fakeArchive) HasManifest(appID, depotID uint32, manifestID uint64) bool {
	return f.known[[3]uint64{uint64(appID), uint64(depotID), manifestID}]
}

type noopMetrics struct{}

func (noopMetrics) ObserveDownloadAttempt(string) {}
func (noopMetrics) ObserveDownloadRetry(string)   {}
func (noopMetrics) IncActiveDownloads()           {}
func (noopMetrics) DecActiveDownloads()           {}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fastConfig() Config {
	return Config{Attempts: 3, RetryDelay: time.Millisecond, ConcurrentManifests: 4, CDNRefreshAfterFailures: 5}
}

func TestRunSkipsKnownManifestsAndDownloadsNewOnes(t *testing.T) {
	sess := &fakeSession{
		licenses: []steamsession.License{{PackageID: 10}},
		product: steamsession.ProductInfoResult{
			Packages: []steamsession.PackageInfo{{PackageID: 10, AppIDs: []uint32{100}}},
			Apps: []steamsession.AppInfo{{AppID: 100, Depots: []steamsession.AppDepot{
				{DepotID: 200, ManifestID: 1},
				{DepotID: 201, ManifestID: 2},
			}}},
		},
		servers:       []string{"cdn1.example.com"},
		depotKeyFails: map[[2]uint32]int{},
	}
	arch := &fakeArchive{known: map[[3]uint64]bool{{100, 200, 1}: true}}

	d := New(sess, arch, fastConfig(), testLogger(), noopMetrics{})
	results, touched, err := d.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, results, 1, "only the unknown depot's manifest should be downloaded")
	assert.Equal(t, uint32(201), results[0].Descriptor.DepotID)
	assert.NoError(t, results[0].Err)

	assert.True(t, touched["100_200"])
	assert.True(t, touched["100_201"])
}

func TestDownloadOneRetriesTransientDepotKeyFailure(t *testing.T) {
	sess := &fakeSession{
		servers:       []string{"cdn1.example.com"},
		depotKeyFails: map[[2]uint32]int{{100, 200}: 2},
	}
	arch := &fakeArchive{known: map[[3]uint64]bool{}}
	d := New(sess, arch, fastConfig(), testLogger(), noopMetrics{})

	result := d.downloadOne(context.Background(), Target{AppID: 100, DepotID: 200, ManifestID: 5})
	assert.NoError(t, result.Err)
	assert.Equal(t, []byte("manifest-200-5"), result.Descriptor.Manifest)
}

func TestDownloadOneFailsSilentlyWhenRequestCodeIsZero(t *testing.T) {
	sess := &zeroRequestCodeSession{fakeSession: fakeSession{servers: []string{"a"}}}
	arch := &fakeArchive{known: map[[3]uint64]bool{}}
	d := New(sess, arch, fastConfig(), testLogger(), noopMetrics{})

	result := d.downloadOne(context.Background(), Target{AppID: 1, DepotID: 2, ManifestID: 3})
	require.Error(t, result.Err)
	assert.True(t, result.Silent)
}

type zeroRequestCodeSession struct {
	fakeSession
}

func (z *zeroRequestCodeSession) GetManifestRequestCode(appID, depotID uint32, manifestID uint64) (uint64, error) {
	return 0, nil
}

func TestDownloadOneExhaustsRetriesOnPersistentFailure(t *testing.T) {
	sess := &fakeSession{
		servers:       []string{"a"},
		depotKeyFails: map[[2]uint32]int{{1, 2}: 100},
	}
	arch := &fakeArchive{known: map[[3]uint64]bool{}}
	d := New(sess, arch, fastConfig(), testLogger(), noopMetrics{})

	result := d.downloadOne(context.Background(), Target{AppID: 1, DepotID: 2, ManifestID: 3})
	require.Error(t, result.Err)
	assert.True(t, result.Silent)
}

type unreachableThenOKSession struct {
	fakeSession
	mu             sync.Mutex
	failuresLeft   int
	cdnRefreshCall int
}

func (u *unreachableThenOKSession) GetCDNServers() ([]string, error) {
	u.mu.Lock()
	u.cdnRefreshCall++
	u.mu.Unlock()
	return []string{"cdn-refreshed.example.com"}, nil
}

func (u *unreachableThenOKSession) DownloadManifest(server string, depotID uint32, manifestID uint64, requestCode uint64, depotKey [32]byte) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failuresLeft > 0 {
		u.failuresLeft--
		return nil, errors.New("cdn host unreachable")
	}
	return []byte("manifest-bytes"), nil
}

func TestDownloadOneRefreshesCDNServersAfterConsecutiveFailureThreshold(t *testing.T) {
	sess := &unreachableThenOKSession{
		fakeSession:  fakeSession{servers: []string{"cdn-stale.example.com"}},
		failuresLeft: 5,
	}
	arch := &fakeArchive{known: map[[3]uint64]bool{}}
	cfg := Config{Attempts: 10, RetryDelay: time.Millisecond, ConcurrentManifests: 1, CDNRefreshAfterFailures: 5}
	d := New(sess, arch, cfg, testLogger(), noopMetrics{})

	result := d.downloadOne(context.Background(), Target{AppID: 1, DepotID: 2, ManifestID: 3})
	require.NoError(t, result.Err)
	assert.Equal(t, 2, sess.cdnRefreshCall, "the initial server-list fetch plus exactly one refresh after 5 consecutive unreachable failures")
}

func TestServerForIsDeterministicByDepotID(t *testing.T) {
	sess := &fakeSession{servers: []string{"a", "b", "c"}}
	d := New(sess, &fakeArchive{known: map[[3]uint64]bool{}}, fastConfig(), testLogger(), noopMetrics{})

	s1, err := d.serverFor(4)
	require.NoError(t, err)
	s2, err := d.serverFor(4)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}
