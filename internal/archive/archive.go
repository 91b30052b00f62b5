// Package archive implements the manifest archive: per-app-branch
// serialized writes of manifest blobs and the accumulated depot-key
// registry, idempotent tagging of every (app, depot, manifest) triple, tag
// pruning, and the end-of-run tracking report.
package archive

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	"github.com/manifesthub/manifesthub/internal/model"
	"github.com/manifesthub/manifesthub/internal/vdf"
)

// WriteOutcome reports what write_manifest actually did, for metrics and
// logging.
type WriteOutcome int

const (
	WriteOutcomeCreated WriteOutcome = iota
	WriteOutcomeUnchanged
	WriteOutcomeAlreadyPresent
)

func (o WriteOutcome) String() string {
	switch o {
	case WriteOutcomeCreated:
		return "created"
	case WriteOutcomeUnchanged:
		return "unchanged"
	case WriteOutcomeAlreadyPresent:
		return "already_present"
	default:
		return "unknown"
	}
}

// WriteMetricsRecorder is the narrow metrics surface WriteManifest reports
// to, satisfied by *metrics.Metrics in production and left nil in tests
// that don't care about counters.
type WriteMetricsRecorder interface {
	ObserveArchiveWrite(outcome string)
	ObserveArchiveWriteDuration(seconds float64)
}

// Archive owns one local clone of the manifest repository and the
// per-branch lock map shared with the account vault.
type Archive struct {
	store   *Store
	locks   *BranchLocks
	metrics WriteMetricsRecorder
}

// Open opens the local clone at path, arming pushes to origin with token.
// locks is shared with the account vault so writes to the same branch from
// either collaborator serialize correctly. metrics may be nil.
func Open(path, token string, locks *BranchLocks, metrics WriteMetricsRecorder) (*Archive, error) {
	store, err := OpenStore(path, token)
	if err != nil {
		return nil, err
	}
	return &Archive{store: store, locks: locks, metrics: metrics}, nil
}

// Store exposes the shared git handle so the account vault can write to
// the same clone under the same lock map.
func (a *Archive) Store() *Store {
	return a.store
}

// HasManifest reports whether the tag "{app}_{depot}_{manifest}" already
// exists locally. Must be consulted before any network work is expended.
func (a *Archive) HasManifest(appID, depotID uint32, manifestID uint64) bool {
	return a.store.HasTag(model.TagName(appID, depotID, manifestID))
}

// WriteManifest runs the six-step write procedure under the per-branch
// lock keyed by the descriptor's app id.
func (a *Archive) WriteManifest(d model.ManifestDescriptor, onWaiting func(time.Duration)) (WriteOutcome, error) {
	branch := model.AppBranchName(d.AppID)
	start := time.Now()

	var outcome WriteOutcome
	err := a.locks.WithLock(branch, onWaiting, func() error {
		if a.HasManifest(d.AppID, d.DepotID, d.ManifestID) {
			outcome = WriteOutcomeAlreadyPresent
			return nil
		}

		tree, tip, err := a.store.BranchTipTree(branch)
		if err != nil {
			return err
		}

		entries := entriesOf(tree)
		entries = removeDepotManifestEntries(entries, d.DepotID)

		registry, _ := loadKeyRegistry(entries, a.store)
		registry.UpsertKey(d.DepotID, fmt.Sprintf("%X", d.DepotKey))

		vdfHash, err := a.store.WriteBlob(registry.Encode())
		if err != nil {
			return fmt.Errorf("archive: write Key.vdf blob: %w", err)
		}
		entries = setEntry(entries, entry{name: "Key.vdf", mode: filemode.Regular, hash: vdfHash})

		manifestHash, err := a.store.WriteBlob(d.Manifest)
		if err != nil {
			return fmt.Errorf("archive: write manifest blob: %w", err)
		}
		blobName := model.ManifestBlobName(d.DepotID, d.ManifestID)
		entries = setEntry(entries, entry{name: blobName, mode: filemode.Regular, hash: manifestHash})

		newTreeHash, err := a.store.writeTree(entries)
		if err != nil {
			return fmt.Errorf("archive: write tree: %w", err)
		}

		existingTreeHash := plumbing.ZeroHash
		if tree != nil {
			existingTreeHash = tree.Hash
		}

		tag := d.Tag()
		now := time.Now()

		if newTreeHash == existingTreeHash {
			if err := a.store.CreateAndPushTag(tag, tip, now); err != nil {
				// Idempotent failsafe: the tag most likely already exists.
				// Any other push failure is not worth failing the run over
				// since the tree truly is unchanged.
				_ = err
			}
			outcome = WriteOutcomeUnchanged
			return nil
		}

		commitHash, err := a.store.WriteCommit(newTreeHash, tip, fmt.Sprintf("Update %s", blobName), now)
		if err != nil {
			return fmt.Errorf("archive: write commit: %w", err)
		}
		if err := a.store.PushBranch(branch, commitHash); err != nil {
			return fmt.Errorf("archive: push branch %s: %w", branch, err)
		}
		if err := a.store.CreateAndPushTag(tag, commitHash, now); err != nil {
			return fmt.Errorf("archive: push tag %s: %w", tag, err)
		}

		outcome = WriteOutcomeCreated
		return nil
	})
	if a.metrics != nil && err == nil {
		a.metrics.ObserveArchiveWrite(outcome.String())
		a.metrics.ObserveArchiveWriteDuration(time.Since(start).Seconds())
	}
	return outcome, err
}

func removeDepotManifestEntries(entries []entry, depotID uint32) []entry {
	out := entries[:0:0]
	for _, e := range entries {
		id, ok := model.DepotIDFromManifestBlobName(e.name)
		if ok && id == depotID && strings.HasSuffix(e.name, ".manifest") {
			continue
		}
		out = append(out, e)
	}
	return out
}

func setEntry(entries []entry, replacement entry) []entry {
	out := entries[:0:0]
	found := false
	for _, e := range entries {
		if e.name == replacement.name {
			out = append(out, replacement)
			found = true
			continue
		}
		out = append(out, e)
	}
	if !found {
		out = append(out, replacement)
	}
	return out
}

func loadKeyRegistry(entries []entry, store *Store) (*vdf.KeyRegistry, bool) {
	for _, e := range entries {
		if e.name != "Key.vdf" {
			continue
		}
		data, err := store.Blob(e.hash)
		if err != nil {
			return vdf.NewKeyRegistry(), false
		}
		return vdf.ParseKeyRegistry(data)
	}
	return vdf.NewKeyRegistry(), false
}

// PruneExpiredTags groups tags by (app, depot) and deletes every tag but
// the one whose target commit has the latest author time.
func (a *Archive) PruneExpiredTags() (int, error) {
	tags, err := a.store.ListTags()
	if err != nil {
		return 0, err
	}

	type taggedCommit struct {
		name string
		when time.Time
	}
	groups := map[[2]uint32][]taggedCommit{}

	for _, ref := range tags {
		appID, depotID, _, ok := model.ParseTag(ref.Name().Short())
		if !ok {
			continue
		}
		when, err := a.store.CommitAuthorTime(ref.Hash())
		if err != nil {
			continue
		}
		key := [2]uint32{appID, depotID}
		groups[key] = append(groups[key], taggedCommit{name: ref.Name().Short(), when: when})
	}

	pruned := 0
	for _, group := range groups {
		if len(group) <= 1 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].when.After(group[j].when) })
		for _, stale := range group[1:] {
			if err := a.store.DeleteTag(stale.name); err != nil {
				return pruned, fmt.Errorf("archive: delete tag %s: %w", stale.name, err)
			}
			pruned++
		}
	}
	return pruned, nil
}

// TrackingReport is the Markdown rendering of report_tracking_status.
type TrackingReport struct {
	Active       []string
	Orphan       []string
	AccessDenied []string
}

// ReportTrackingStatus derives the managed set of "{app}_{depot}" pairs
// from existing tags and compares it against touched, the run-scoped set
// of pairs the downloaders saw during the run.
func (a *Archive) ReportTrackingStatus(touched map[string]bool) (TrackingReport, error) {
	tags, err := a.store.ListTags()
	if err != nil {
		return TrackingReport{}, err
	}

	managed := map[string]bool{}
	for _, ref := range tags {
		appID, depotID, _, ok := model.ParseTag(ref.Name().Short())
		if !ok {
			continue
		}
		managed[fmt.Sprintf("%d_%d", appID, depotID)] = true
	}

	var report TrackingReport
	for pair := range managed {
		if touched[pair] {
			report.Active = append(report.Active, pair)
		} else {
			report.Orphan = append(report.Orphan, pair)
		}
	}
	for pair := range touched {
		if !managed[pair] {
			report.AccessDenied = append(report.AccessDenied, pair)
		}
	}
	sort.Strings(report.Active)
	sort.Strings(report.Orphan)
	sort.Strings(report.AccessDenied)
	return report, nil
}

// Markdown renders the report as the tracking summary: one block per
// category, each a heading with its count followed by a bulleted list of
// "{app}_{depot}" pairs.
func (r TrackingReport) Markdown() string {
	var b strings.Builder
	b.WriteString("# ManifestHub tracking report\n\n")
	section := func(title string, pairs []string) {
		fmt.Fprintf(&b, "## %s (%d)\n\n", title, len(pairs))
		if len(pairs) == 0 {
			b.WriteString("_none_\n\n")
			return
		}
		for _, p := range pairs {
			fmt.Fprintf(&b, "- `%s`\n", p)
		}
		b.WriteString("\n")
	}
	section("Active", r.Active)
	section("Orphan", r.Orphan)
	section("AccessDenied", r.AccessDenied)
	return b.String()
}
