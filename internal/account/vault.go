// Package account implements the account vault: reading, writing, and
// removing encrypted account records on their dedicated branches, and
// enumerating the account pool.
package account

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/manifesthub/manifesthub/internal/archive"
	"github.com/manifesthub/manifesthub/internal/model"
	"github.com/manifesthub/manifesthub/internal/secure"
)

// branchPattern recognizes account branches among a repository's refs: a
// 9-character friend-code-derived index, never an app's decimal branch name.
var branchPattern = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{5}-[A-HJ-NP-Z2-9]{4}$`)

// accountInfoBlobName is the single JSON blob an account branch carries.
const accountInfoBlobName = "AccountInfo.json"

// Vault reads, writes, and removes account records. It shares its git
// handle and per-branch lock map with the manifest archive so a branch is
// never written to from both without serializing.
type Vault struct {
	store *archive.Store
	locks *archive.BranchLocks
	key   [secure.KeySize]byte
}

// New builds a Vault over store, serializing writes through locks and
// encrypting secrets under key.
func New(store *archive.Store, locks *archive.BranchLocks, key [secure.KeySize]byte) *Vault {
	return &Vault{store: store, locks: locks, key: key}
}

// WriteAccount serializes record with its secrets encrypted, places it at
// AccountInfo.json on the branch named by record.Index, commits under the
// archive's synthetic identity, and pushes. A no-op if the resulting tree
// already matches the branch tip.
func (v *Vault) WriteAccount(record model.Account) error {
	branch := record.Index
	if branch == "" {
		return fmt.Errorf("account: record has no index/branch name")
	}

	return v.locks.WithLock(branch, nil, func() error {
		encrypted := record
		if err := secure.EncryptAccount(&encrypted, v.key); err != nil {
			return fmt.Errorf("account: encrypt %s: %w", record.AccountName, err)
		}

		data, err := json.MarshalIndent(encrypted, "", "  ")
		if err != nil {
			return fmt.Errorf("account: marshal %s: %w", record.AccountName, err)
		}

		tree, tip, err := v.store.BranchTipTree(branch)
		if err != nil {
			return err
		}

		blobHash, err := v.store.WriteBlob(data)
		if err != nil {
			return fmt.Errorf("account: write blob: %w", err)
		}

		newTree := []object.TreeEntry{{Name: accountInfoBlobName, Mode: filemode.Regular, Hash: blobHash}}
		newTreeHash, err := v.store.WriteTree(newTree)
		if err != nil {
			return fmt.Errorf("account: write tree: %w", err)
		}

		existingTreeHash := plumbing.ZeroHash
		if tree != nil {
			existingTreeHash = tree.Hash
		}
		if newTreeHash == existingTreeHash {
			return nil
		}

		commitHash, err := v.store.WriteCommit(newTreeHash, tip, fmt.Sprintf("Update %s", accountInfoBlobName), time.Now())
		if err != nil {
			return fmt.Errorf("account: write commit: %w", err)
		}
		return v.store.PushBranch(branch, commitHash)
	})
}

// RemoveAccount force-deletes record's branch.
func (v *Vault) RemoveAccount(record model.Account) error {
	branch := record.Index
	if branch == "" {
		return fmt.Errorf("account: record has no index/branch name")
	}
	return v.locks.WithLock(branch, nil, func() error {
		return v.store.ForceDeleteBranch(branch)
	})
}

// EnumerateAccounts scans branches matching the account-branch pattern,
// decodes and decrypts each AccountInfo.json, and yields them either in a
// stable order or shuffled with a fixed seed.
func (v *Vault) EnumerateAccounts(shuffle bool) ([]model.Account, error) {
	branches, err := v.store.Branches()
	if err != nil {
		return nil, fmt.Errorf("account: list branches: %w", err)
	}

	var accounts []model.Account
	for _, branch := range branches {
		if !branchPattern.MatchString(branch) {
			continue
		}
		acct, ok, err := v.readAccount(branch)
		if err != nil {
			return nil, err
		}
		if ok {
			accounts = append(accounts, acct)
		}
	}

	if shuffle {
		rng := rand.New(rand.NewSource(0))
		rng.Shuffle(len(accounts), func(i, j int) { accounts[i], accounts[j] = accounts[j], accounts[i] })
	}
	return accounts, nil
}

// GetAccount linearly scans the enumerated set for name.
func (v *Vault) GetAccount(name string) (model.Account, bool, error) {
	accounts, err := v.EnumerateAccounts(false)
	if err != nil {
		return model.Account{}, false, err
	}
	for _, a := range accounts {
		if a.AccountName == name {
			return a, true, nil
		}
	}
	return model.Account{}, false, nil
}

func (v *Vault) readAccount(branch string) (model.Account, bool, error) {
	tree, _, err := v.store.BranchTipTree(branch)
	if err != nil {
		return model.Account{}, false, nil
	}
	var blobHash plumbing.Hash
	found := false
	for _, e := range tree.Entries {
		if e.Name == accountInfoBlobName {
			blobHash = e.Hash
			found = true
			break
		}
	}
	if !found {
		return model.Account{}, false, nil
	}

	data, err := v.store.Blob(blobHash)
	if err != nil {
		return model.Account{}, false, nil
	}

	var acct model.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return model.Account{}, false, nil
	}
	if err := secure.DecryptAccount(&acct, v.key); err != nil {
		return model.Account{}, false, fmt.Errorf("account: decrypt %s: %w", branch, err)
	}
	return acct, true, nil
}
