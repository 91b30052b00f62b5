package model

import (
	"fmt"
	"strconv"
	"strings"
)

// TagName builds the archive tag name "{app}_{depot}_{manifest}".
func TagName(appID, depotID uint32, manifestID uint64) string {
	return fmt.Sprintf("%d_%d_%d", appID, depotID, manifestID)
}

// ManifestBlobName builds the tree entry name for a manifest blob:
// "{depot}_{manifest}.manifest".
func ManifestBlobName(depotID uint32, manifestID uint64) string {
	return fmt.Sprintf("%d_%d.manifest", depotID, manifestID)
}

// AppBranchName is the branch a given app's manifests live on: the decimal app id.
func AppBranchName(appID uint32) string {
	return strconv.FormatUint(uint64(appID), 10)
}

// ParseTag splits a tag name back into (app, depot, manifest). It returns
// ok=false for any name that doesn't parse as three decimal components.
func ParseTag(name string) (appID, depotID uint32, manifestID uint64, ok bool) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	a, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	d, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	m, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	return uint32(a), uint32(d), m, true
}

// DepotIDFromManifestBlobName parses the "{depot}_..." prefix of a manifest
// blob's tree-entry name, ignoring entries whose prefix does not parse.
// ok is false when the prefix isn't a valid u32.
func DepotIDFromManifestBlobName(name string) (depotID uint32, ok bool) {
	prefix, _, found := strings.Cut(name, "_")
	if !found {
		return 0, false
	}
	v, err := strconv.ParseUint(prefix, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
