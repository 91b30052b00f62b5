package friendcode

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

// branchPattern mirrors the fixed pattern used to recognize account
// branches during enumeration.
var branchPattern = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{5}-[A-HJ-NP-Z2-9]{4}$`)

func TestDeriveIsDeterministic(t *testing.T) {
	const steamID = uint64(76561198000000000)

	first := Derive(steamID)
	second := Derive(steamID)

	assert.Equal(t, first, second, "the branch index must be constant across runs for the same Steam id")
}

func TestDeriveMatchesBranchNamePattern(t *testing.T) {
	code := Derive(76561198000000000)
	assert.Regexp(t, branchPattern, code)
}

func TestDeriveDiffersAcrossAccounts(t *testing.T) {
	a := Derive(76561198000000000)
	b := Derive(76561198000000001)
	assert.NotEqual(t, a, b)
}
