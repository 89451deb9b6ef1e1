// Package event implements governance event ingestion and integrity: the
// event model with per-event content hashing, per-organization append-only
// storage, ingestion rate limiting, and periodic Merkle-root checkpoints.
package event

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aigos/aigos/internal/canonical"
)

// Criticality levels. Critical events may bypass ingestion rate limits.
const (
	CriticalityLow      = "low"
	CriticalityNormal   = "normal"
	CriticalityHigh     = "high"
	CriticalityCritical = "critical"
)

// SpecVersion is the governance event contract version this build produces.
const SpecVersion = "1.0"

// Ingestion error codes, returned per event in batch responses.
const (
	CodeBadRequest = "EVT_BAD_REQUEST"
	CodeBadHash    = "EVT_BAD_HASH"
	CodeInternal   = "EVT_INTERNAL"
)

var (
	// ErrBadHash means a submitted event's recorded hash does not match the
	// canonical recomputation.
	ErrBadHash = errors.New("event hash mismatch")
	// ErrBadEvent means the event is structurally invalid.
	ErrBadEvent = errors.New("invalid event")
	// ErrNotFound means no event with the given id is visible to the caller.
	ErrNotFound = errors.New("event not found")
)

// GoldenThreadRef carries the approval linkage on an event, answering "under
// whose authority" for the recorded action.
type GoldenThreadRef struct {
	TicketID   string `json:"ticketId"`
	ApprovedBy string `json:"approvedBy"`
	ApprovedAt string `json:"approvedAt"`
}

// Event is one governance event. Events are frozen after construction: the
// hash covers every field except itself, and stored events are never
// rewritten.
type Event struct {
	ID            string           `json:"id"`
	SpecVersion   string           `json:"specVersion"`
	SchemaVersion string           `json:"schemaVersion"`
	Type          string           `json:"type"`
	Category      string           `json:"category"`
	Criticality   string           `json:"criticality"`
	Source        string           `json:"source"`
	OrgID         string           `json:"orgId"`
	AssetID       string           `json:"assetId"`
	ProducedAt    time.Time        `json:"producedAt"`
	GoldenThread  *GoldenThreadRef `json:"goldenThread,omitempty"`
	Hash          string           `json:"hash,omitempty"`
	Data          map[string]any   `json:"data,omitempty"`
}

// Params are the caller-supplied fields for a new event.
type Params struct {
	SchemaVersion string
	Type          string
	Category      string
	Criticality   string
	Source        string
	OrgID         string
	AssetID       string
	ProducedAt    time.Time
	GoldenThread  *GoldenThreadRef
	Data          map[string]any
}

// New builds a frozen event: it assigns the id, stamps producedAt if unset,
// applies defaults, and seals the content hash.
func New(p Params) (*Event, error) {
	if p.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrBadEvent)
	}
	if p.OrgID == "" {
		return nil, fmt.Errorf("%w: orgId is required", ErrBadEvent)
	}

	e := &Event{
		ID:            NewID(),
		SpecVersion:   SpecVersion,
		SchemaVersion: p.SchemaVersion,
		Type:          p.Type,
		Category:      p.Category,
		Criticality:   p.Criticality,
		Source:        p.Source,
		OrgID:         p.OrgID,
		AssetID:       p.AssetID,
		ProducedAt:    p.ProducedAt,
		GoldenThread:  p.GoldenThread,
		Data:          p.Data,
	}
	if e.SchemaVersion == "" {
		e.SchemaVersion = "1"
	}
	if e.Criticality == "" {
		e.Criticality = CriticalityNormal
	}
	if e.ProducedAt.IsZero() {
		e.ProducedAt = time.Now().UTC()
	}

	hash, err := ComputeHash(e)
	if err != nil {
		return nil, err
	}
	e.Hash = hash
	return e, nil
}

// NewID returns a fresh event id: "evt_" followed by 32 hex characters.
func NewID() string {
	u := uuid.New()
	return "evt_" + hex.EncodeToString(u[:])
}

// ComputeHash canonicalizes the event without its hash field (RFC 8785,
// lexical key order) and returns the prefixed SHA-256 digest.
func ComputeHash(e *Event) (string, error) {
	clone := *e
	clone.Hash = ""
	h, err := canonical.HashJCS(&clone)
	if err != nil {
		return "", fmt.Errorf("hash event %s: %w", e.ID, err)
	}
	return h, nil
}

// Validate checks the event's structural fields and recomputes its hash.
func Validate(e *Event) error {
	if e == nil {
		return fmt.Errorf("%w: event is nil", ErrBadEvent)
	}
	if e.ID == "" || e.Type == "" || e.OrgID == "" {
		return fmt.Errorf("%w: id, type and orgId are required", ErrBadEvent)
	}
	switch e.Criticality {
	case CriticalityLow, CriticalityNormal, CriticalityHigh, CriticalityCritical:
	default:
		return fmt.Errorf("%w: unknown criticality %q", ErrBadEvent, e.Criticality)
	}
	if e.Hash == "" {
		return fmt.Errorf("%w: hash is required", ErrBadEvent)
	}
	recomputed, err := ComputeHash(e)
	if err != nil {
		return err
	}
	if recomputed != e.Hash {
		return fmt.Errorf("%w: recomputed %s, recorded %s", ErrBadHash, recomputed, e.Hash)
	}
	return nil
}
