package archive

import (
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/stretchr/testify/require"

	"github.com/manifesthub/manifesthub/internal/model"
)

// newTestArchive sets up a local work tree with a local bare "origin" so
// Store.push exercises the real go-git push path without any network
// dependency.
func newTestArchive(t *testing.T) *Archive {
	t.Helper()

	bareDir := t.TempDir()
	_, err := git.PlainInit(bareDir, true)
	require.NoError(t, err)

	workDir := t.TempDir()
	repo, err := git.PlainInit(workDir, false)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{bareDir}})
	require.NoError(t, err)

	store, err := OpenStore(workDir, "")
	require.NoError(t, err)

	return &Archive{store: store, locks: NewBranchLocks()}
}

func descriptor(appID, depotID uint32, manifestID uint64, key byte) model.ManifestDescriptor {
	d := model.ManifestDescriptor{AppID: appID, DepotID: depotID, ManifestID: manifestID, Manifest: []byte("manifest-bytes")}
	d.DepotKey[0] = key
	return d
}

func TestWriteManifestCreateThenRepeatIsIdempotent(t *testing.T) {
	a := newTestArchive(t)
	d := descriptor(10, 20, 1, 0xAB)

	outcome, err := a.WriteManifest(d, nil)
	require.NoError(t, err)
	require.Equal(t, WriteOutcomeCreated, outcome)
	require.True(t, a.HasManifest(10, 20, 1))

	outcome, err = a.WriteManifest(d, nil)
	require.NoError(t, err)
	require.Equal(t, WriteOutcomeAlreadyPresent, outcome, "the has_manifest gate short-circuits a repeat write before any tree work")
}

func TestWriteManifestSecondManifestReplacesFirstOnSameDepot(t *testing.T) {
	a := newTestArchive(t)
	first := descriptor(10, 20, 100, 0x01)
	second := descriptor(10, 20, 200, 0x02)

	_, err := a.WriteManifest(first, nil)
	require.NoError(t, err)
	_, err = a.WriteManifest(second, nil)
	require.NoError(t, err)

	branch := model.AppBranchName(10)
	tree, _, err := a.store.BranchTipTree(branch)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, e := range tree.Entries {
		names[e.Name] = true
	}
	require.True(t, names[model.ManifestBlobName(20, 200)], "new manifest blob must be present")
	require.False(t, names[model.ManifestBlobName(20, 100)], "stale manifest blob must be removed")

	require.True(t, a.HasManifest(10, 20, 100), "old tag remains as the archival record")
	require.True(t, a.HasManifest(10, 20, 200))
}

func TestWriteManifestKeyRegistryIsMonotonic(t *testing.T) {
	a := newTestArchive(t)
	first := descriptor(10, 20, 100, 0xAA)
	second := descriptor(10, 20, 200, 0xBB)

	_, err := a.WriteManifest(first, nil)
	require.NoError(t, err)
	_, err = a.WriteManifest(second, nil)
	require.NoError(t, err)

	branch := model.AppBranchName(10)
	tree, _, err := a.store.BranchTipTree(branch)
	require.NoError(t, err)

	wantHex := "BB00000000000000000000000000000000000000000000000000000000000000"
	var found bool
	for _, e := range tree.Entries {
		if e.Name == "Key.vdf" {
			data, err := a.store.Blob(e.Hash)
			require.NoError(t, err)
			require.Contains(t, string(data), wantHex)
			found = true
		}
	}
	require.True(t, found, "Key.vdf must exist on the tip tree")
}

func TestPruneExpiredTagsKeepsNewestCommitTime(t *testing.T) {
	a := newTestArchive(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	write := func(manifestID uint64, at time.Time) {
		branch := model.AppBranchName(10)
		tree, tip, err := a.store.BranchTipTree(branch)
		require.NoError(t, err)
		entries := entriesOf(tree)
		blobHash, err := a.store.WriteBlob([]byte("m"))
		require.NoError(t, err)
		entries = setEntry(entries, entry{name: model.ManifestBlobName(20, manifestID), mode: filemode.Regular, hash: blobHash})
		newTreeHash, err := a.store.writeTree(entries)
		require.NoError(t, err)
		commitHash, err := a.store.WriteCommit(newTreeHash, tip, "test", at)
		require.NoError(t, err)
		require.NoError(t, a.store.PushBranch(branch, commitHash))
		require.NoError(t, a.store.CreateAndPushTag(model.TagName(10, 20, manifestID), commitHash, at))
	}

	write(1, base)
	write(2, base.Add(time.Hour))
	write(3, base.Add(2*time.Hour))

	pruned, err := a.PruneExpiredTags()
	require.NoError(t, err)
	require.Equal(t, 2, pruned)

	require.False(t, a.HasManifest(10, 20, 1))
	require.False(t, a.HasManifest(10, 20, 2))
	require.True(t, a.HasManifest(10, 20, 3))
}

func TestReportTrackingStatusPartitionsActiveOrphanAccessDenied(t *testing.T) {
	a := newTestArchive(t)
	_, err := a.WriteManifest(descriptor(10, 20, 1, 0x01), nil)
	require.NoError(t, err)
	_, err = a.WriteManifest(descriptor(10, 21, 2, 0x02), nil)
	require.NoError(t, err)

	touched := map[string]bool{
		"10_20": true,
		"99_99": true,
	}

	report, err := a.ReportTrackingStatus(touched)
	require.NoError(t, err)
	require.Contains(t, report.Active, "10_20")
	require.Contains(t, report.Orphan, "10_21")
	require.Contains(t, report.AccessDenied, "99_99")
}
