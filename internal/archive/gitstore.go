package archive

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/oauth2"
)

// Store wraps the Git object-database and forge push transport this
// repository needs only at their interface. It is built on go-git, the
// canonical pure-Go git implementation, and is shared between the manifest
// archive and the account vault since both write to the same clone.
type Store struct {
	repo *git.Repository
	auth transport.AuthMethod
}

const committerName = "ManifestHub"
const committerEmail = "manifesthub@localhost"

// OpenStore opens an existing local clone at path and arms it to push to
// "origin" using token as the forge credential, authenticating as the
// username "x-access-token" the way a GitHub App installation token does.
// The push HTTP client is wrapped with an oauth2-backed transport so
// timeouts and redirects are handled consistently regardless of which
// forge is on the other end.
func OpenStore(path, token string) (*Store, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open repo: %w", err)
	}

	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}))
	httpClient.Timeout = 2 * time.Minute
	client.InstallProtocol("https", githttp.NewClient(httpClient))

	return &Store{
		repo: repo,
		auth: &githttp.BasicAuth{Username: "x-access-token", Password: token},
	}, nil
}

// BranchTipTree returns the tree at the tip of branch, or an empty tree if
// the branch doesn't exist yet.
func (s *Store) BranchTipTree(branch string) (*object.Tree, plumbing.Hash, error) {
	ref, err := s.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		empty := &object.Tree{}
		return empty, plumbing.ZeroHash, nil
	}
	commit, err := s.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("archive: load commit %s: %w", ref.Hash(), err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("archive: load tree for %s: %w", ref.Hash(), err)
	}
	return tree, ref.Hash(), nil
}

// WriteBlob stores data as a loose blob object and returns its hash.
func (s *Store) WriteBlob(data []byte) (plumbing.Hash, error) {
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("archive: open blob writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, fmt.Errorf("archive: write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("archive: close blob writer: %w", err)
	}
	return s.repo.Storer.SetEncodedObject(obj)
}

// Blob reads back a stored blob's contents in full.
func (s *Store) Blob(hash plumbing.Hash) ([]byte, error) {
	blob, err := s.repo.BlobObject(hash)
	if err != nil {
		return nil, fmt.Errorf("archive: load blob %s: %w", hash, err)
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("archive: open blob reader %s: %w", hash, err)
	}
	defer reader.Close()
	data := make([]byte, 0, blob.Size)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	return data, nil
}

// entry is a (name, mode, hash) tree entry, independent of go-git's
// TreeEntry so callers can build a new entry set before writing the tree.
type entry struct {
	name string
	mode filemode.FileMode
	hash plumbing.Hash
}

func entriesOf(tree *object.Tree) []entry {
	if tree == nil {
		return nil
	}
	out := make([]entry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		out = append(out, entry{name: e.Name, mode: e.Mode, hash: e.Hash})
	}
	return out
}

// WriteTree stores a flat tree (no subdirectories, which is all
// ManifestHub ever needs) and returns its hash. git requires entries
// sorted by name.
func (s *Store) WriteTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	tree := &object.Tree{Entries: entries}

	obj := s.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("archive: encode tree: %w", err)
	}
	return s.repo.Storer.SetEncodedObject(obj)
}

func (s *Store) writeTree(entries []entry) (plumbing.Hash, error) {
	treeEntries := make([]object.TreeEntry, 0, len(entries))
	for _, e := range entries {
		treeEntries = append(treeEntries, object.TreeEntry{Name: e.name, Mode: e.mode, Hash: e.hash})
	}
	return s.WriteTree(treeEntries)
}

// WriteCommit stores a commit object with a fixed ManifestHub identity and
// returns its hash.
func (s *Store) WriteCommit(treeHash plumbing.Hash, parent plumbing.Hash, message string, at time.Time) (plumbing.Hash, error) {
	sig := object.Signature{Name: committerName, Email: committerEmail, When: at}
	commit := &object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   message,
		TreeHash:  treeHash,
	}
	if parent != plumbing.ZeroHash {
		commit.ParentHashes = []plumbing.Hash{parent}
	}

	obj := s.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("archive: encode commit: %w", err)
	}
	return s.repo.Storer.SetEncodedObject(obj)
}

// CommitAuthorTime returns the author timestamp of the commit a ref points
// at, used by PruneExpiredTags to rank tags within a (app, depot) group.
func (s *Store) CommitAuthorTime(hash plumbing.Hash) (time.Time, error) {
	// Annotated tag refs point at a tag object; peel it to its commit.
	if tag, err := s.repo.TagObject(hash); err == nil {
		hash = tag.Target
	}
	commit, err := s.repo.CommitObject(hash)
	if err != nil {
		return time.Time{}, fmt.Errorf("archive: load commit %s: %w", hash, err)
	}
	return commit.Author.When, nil
}

// PushBranch fast-forwards refs/heads/{branch} on origin to commit, then
// moves the local refs/heads/{branch} to commit so the next BranchTipTree
// builds on it.
func (s *Store) PushBranch(branch string, commit plumbing.Hash) error {
	refSpec := config.RefSpec(fmt.Sprintf("%s:refs/heads/%s", commit.String(), branch))
	if err := s.push(refSpec); err != nil {
		return err
	}
	return s.repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), commit))
}

// ForceDeleteBranch force-pushes a deletion of refs/heads/{branch}, then
// removes the local branch ref as well.
func (s *Store) ForceDeleteBranch(branch string) error {
	refSpec := config.RefSpec(fmt.Sprintf("+:refs/heads/%s", branch))
	if err := s.push(refSpec); err != nil {
		return err
	}
	_ = s.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(branch))
	return nil
}

// Branches lists every local branch name (decoded from refs/heads/*).
func (s *Store) Branches() ([]string, error) {
	iter, err := s.repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("archive: list branches: %w", err)
	}
	var out []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		out = append(out, ref.Name().Short())
		return nil
	})
	return out, err
}

// CreateAndPushTag creates (locally and on origin) an annotated tag named
// name pointing at commit. A "tag already exists" push rejection is
// returned to the caller, who decides whether to treat it as the
// already-archived case or a genuine failure.
func (s *Store) CreateAndPushTag(name string, commit plumbing.Hash, at time.Time) error {
	tagObj := &object.Tag{
		Name:       name,
		Tagger:     object.Signature{Name: committerName, Email: committerEmail, When: at},
		Message:    name,
		TargetType: plumbing.CommitObject,
		Target:     commit,
	}
	obj := s.repo.Storer.NewEncodedObject()
	if err := tagObj.Encode(obj); err != nil {
		return fmt.Errorf("archive: encode tag: %w", err)
	}
	tagHash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return fmt.Errorf("archive: store tag object: %w", err)
	}

	refName := plumbing.NewTagReferenceName(name)
	if err := s.repo.Storer.SetReference(plumbing.NewHashReference(refName, tagHash)); err != nil {
		return fmt.Errorf("archive: set local tag ref: %w", err)
	}

	return s.push(config.RefSpec(fmt.Sprintf("%s:%s", refName, refName)))
}

// DeleteTag removes a tag both locally and on origin.
func (s *Store) DeleteTag(name string) error {
	refName := plumbing.NewTagReferenceName(name)
	_ = s.repo.Storer.RemoveReference(refName)
	return s.push(config.RefSpec(fmt.Sprintf("+:%s", refName)))
}

// ListTags returns every local tag reference.
func (s *Store) ListTags() ([]*plumbing.Reference, error) {
	iter, err := s.repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("archive: list tags: %w", err)
	}
	var out []*plumbing.Reference
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		out = append(out, ref)
		return nil
	})
	return out, err
}

// HasTag reports whether a local tag reference named name exists.
func (s *Store) HasTag(name string) bool {
	_, err := s.repo.Reference(plumbing.NewTagReferenceName(name), true)
	return err == nil
}

func (s *Store) push(refSpec config.RefSpec) error {
	err := s.repo.Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       s.auth,
	})
	if err == git.NoErrAlreadyUpToDate {
		return nil
	}
	return err
}
