// Package model contains the wire and data types shared across ManifestHub's
// subsystems: account records, manifest descriptors, and the depot-key
// registry that accumulates on each app branch.
package model

import "time"

// Account is the on-disk (and on-branch) representation of one Steam account
// under management. AccountPassword and RefreshToken are stored encrypted
// when AESEncrypted is true; Index doubles as the branch name the record is
// stored under.
type Account struct {
	AccountName     string     `json:"account_name"`
	AccountPassword string     `json:"account_password,omitempty"`
	RefreshToken    string     `json:"refresh_token,omitempty"`
	LastRefresh     *time.Time `json:"last_refresh,omitempty"`
	Index           string     `json:"index,omitempty"`
	AESEncrypted    *bool      `json:"aes_encrypted"`
	AESIV           string     `json:"aes_iv,omitempty"`
}

// IsEncrypted reports whether the record's secrets are at-rest encrypted.
// The wire format is tri-state (null/false/true); null and false both mean
// "not encrypted".
func (a *Account) IsEncrypted() bool {
	return a.AESEncrypted != nil && *a.AESEncrypted
}

// SetEncrypted records the tri-state flag explicitly, never leaving it nil
// once a record has passed through the vault.
func (a *Account) SetEncrypted(v bool) {
	a.AESEncrypted = &v
}

// ManifestDescriptor is one downloaded (app, depot, manifest) result, ready
// to be handed to the archive for writing.
type ManifestDescriptor struct {
	AppID      uint32
	DepotID    uint32
	ManifestID uint64
	DepotKey   [32]byte
	Manifest   []byte
}

// Tag returns the archive tag name for this descriptor: "{app}_{depot}_{manifest}".
func (d ManifestDescriptor) Tag() string {
	return TagName(d.AppID, d.DepotID, d.ManifestID)
}
