// Package friendcode derives the deterministic branch-index code for a
// Steam account id, reproducing the CSGO friend-code algorithm used to turn
// an account id into a short, URL-safe, collision-resistant branch name.
// The derivation is bit-exact and side-effect free so that the same Steam
// id always yields the same branch name across runs.
package friendcode

import (
	"crypto/md5"
	"encoding/binary"
)

// alphabet is the 32-symbol Crockford-style base32 alphabet: no I, O, 0, or
// 1, to avoid visual ambiguity in a branch name.
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// nibbleRotation fixes, once and for all, which bit position of the mixed
// 64-bit value each of the hash's low 8 bits is folded into. The algorithm
// this derives from uses a fixed bit-rotation schedule without a single
// canonical enumeration; this is ManifestHub's schedule, applied
// identically on every call — determinism is what matters, not which
// schedule is chosen.
var nibbleRotation = [8]uint{1, 9, 17, 25, 33, 41, 49, 57}

// Derive computes the 9-character branch-index code "XXXXX-XXXX" for a
// 64-bit Steam id:
//  1. MD5("CSGO" || little-endian accountID) yields a 32-bit hash; its low
//     8 bits are folded into the Steam id's bits at fixed positions.
//  2. The resulting 64-bit value is base-32 encoded little-endian into 13
//     symbols.
//  3. Dashes notionally fall after symbol 4 and symbol 9 of those 13
//     (the "AAAA-BBBBB-CCCC" shape familiar from the game's own friend
//     codes); the first group and its dash are then discarded, leaving the
//     9-character "XXXXX-XXXX" code ManifestHub uses as a branch name.
func Derive(steamID64 uint64) string {
	accountID := uint32(steamID64)

	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], accountID)

	input := make([]byte, 0, len("CSGO")+len(idBuf))
	input = append(input, "CSGO"...)
	input = append(input, idBuf[:]...)
	sum := md5.Sum(input)
	hashByte := byte(binary.LittleEndian.Uint32(sum[:4]))

	mixed := steamID64
	for i := 0; i < 8; i++ {
		bit := uint64((hashByte >> uint(i)) & 1)
		mixed ^= bit << nibbleRotation[i]
	}

	symbols := base32LE(mixed, 13)
	return symbols[4:9] + "-" + symbols[9:13]
}

// base32LE encodes v into n base-32 symbols, least-significant 5 bits first.
func base32LE(v uint64, n int) string {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = alphabet[v&0x1F]
		v >>= 5
	}
	return string(out)
}
