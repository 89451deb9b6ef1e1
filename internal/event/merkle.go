package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MerkleRoot computes the deterministic Merkle root over event hash leaves
// in append order. Internal nodes hash the concatenation of their two
// children's hex digests; odd levels duplicate the last node; zero leaves
// produce the digest of the empty string. Leaves may carry the "sha256:"
// prefix; the returned root always does.
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		sum := sha256.Sum256(nil)
		return "sha256:" + hex.EncodeToString(sum[:])
	}

	level := make([]string, len(leaves))
	for i, leaf := range leaves {
		level[i] = strings.TrimPrefix(leaf, "sha256:")
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			sum := sha256.Sum256([]byte(level[i] + level[i+1]))
			next = append(next, hex.EncodeToString(sum[:]))
		}
		level = next
	}
	return "sha256:" + level[0]
}

// VerifyRoot recomputes the root for leaves and compares it to root.
func VerifyRoot(root string, leaves []string) bool {
	return MerkleRoot(leaves) == root
}
