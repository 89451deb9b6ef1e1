package identity

import (
	"crypto/subtle"
	"fmt"

	"github.com/aigos/aigos/internal/canonical"
)

// goldenThreadCanonical fixes the hashed key sequence. Hashes are computed
// over exactly these three fields, in this order, with no whitespace;
// optional hash/signature fields never participate.
type goldenThreadCanonical struct {
	TicketID   string `json:"ticket_id"`
	ApprovedBy string `json:"approved_by"`
	ApprovedAt string `json:"approved_at"`
}

// HashGoldenThread computes the canonical hash of an approval record,
// rendered "sha256:<hex>".
func HashGoldenThread(gt GoldenThread) (string, error) {
	return canonical.HashCompact(goldenThreadCanonical{
		TicketID:   gt.TicketID,
		ApprovedBy: gt.ApprovedBy,
		ApprovedAt: gt.ApprovedAt,
	})
}

// VerifyGoldenThread recomputes the hash for gt and compares it byte-for-byte
// against want.
func VerifyGoldenThread(gt GoldenThread, want string) error {
	got, err := HashGoldenThread(gt)
	if err != nil {
		return fmt.Errorf("recompute golden thread hash: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return fmt.Errorf("%w: recomputed %s, recorded %s", ErrGoldenThreadMismatch, got, want)
	}
	return nil
}
