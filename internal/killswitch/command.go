// Package killswitch implements the remote control path for governed agents:
// signed TERMINATE/PAUSE/RESUME commands delivered over pluggable channels,
// validated, applied to a per-instance state machine, and cascaded to every
// registered descendant. The state it maintains is the first thing the policy
// engine reads on every check, so a triggered switch cannot be bypassed by
// anything an agent does inside its own context.
package killswitch

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aigos/aigos/internal/canonical"
)

// CommandType is the control operation a command carries.
type CommandType string

const (
	CommandTerminate CommandType = "TERMINATE"
	CommandPause     CommandType = "PAUSE"
	CommandResume    CommandType = "RESUME"
)

// Validation rejection codes, surfaced in validation-failed events.
const (
	CodeSchemaInvalid    = "SCHEMA_INVALID"
	CodeTimestampSkew    = "TIMESTAMP_SKEW"
	CodeSignatureInvalid = "SIGNATURE_INVALID"
	CodeReplay           = "REPLAY"
	CodeTargetMismatch   = "TARGET_MISMATCH"
)

var (
	// ErrSchemaInvalid means the command payload is structurally unusable.
	ErrSchemaInvalid = errors.New("command schema invalid")
	// ErrTimestampSkew means the command timestamp is outside the accepted
	// clock-skew tolerance.
	ErrTimestampSkew = errors.New("command timestamp outside clock-skew tolerance")
	// ErrSignatureInvalid means the signature did not verify against the
	// trusted key identified by kid.
	ErrSignatureInvalid = errors.New("command signature invalid")
	// ErrReplay means a command with this id was already processed.
	ErrReplay = errors.New("command replayed")
	// ErrTargetMismatch means the command targets a different agent.
	ErrTargetMismatch = errors.New("command does not target this agent")
)

// Command is one signed kill-switch command. A command with no target fields
// is global: it applies to every agent that receives it. Otherwise every
// non-empty target field must match the receiving identity.
type Command struct {
	CommandID    string      `json:"command_id"`
	Type         CommandType `json:"type"`
	InstanceID   string      `json:"instance_id,omitempty"`
	AssetID      string      `json:"asset_id,omitempty"`
	Organization string      `json:"organization,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
	Reason       string      `json:"reason"`
	IssuedBy     string      `json:"issued_by"`
	KID          string      `json:"kid,omitempty"`
	Signature    string      `json:"signature,omitempty"`
}

// NewCommandID returns a fresh sortable command id.
func NewCommandID() string {
	return "cmd_" + ulid.Make().String()
}

// CheckSchema verifies the structural fields every command must carry.
func (c *Command) CheckSchema() error {
	if c == nil {
		return fmt.Errorf("%w: command is nil", ErrSchemaInvalid)
	}
	if c.CommandID == "" {
		return fmt.Errorf("%w: command_id is required", ErrSchemaInvalid)
	}
	switch c.Type {
	case CommandTerminate, CommandPause, CommandResume:
	default:
		return fmt.Errorf("%w: unknown command type %q", ErrSchemaInvalid, c.Type)
	}
	if c.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrSchemaInvalid)
	}
	if c.IssuedBy == "" {
		return fmt.Errorf("%w: issued_by is required", ErrSchemaInvalid)
	}
	return nil
}

// Target identifies the local agent for command target matching.
type Target struct {
	InstanceID   string
	AssetID      string
	Organization string
}

// Matches reports whether the command applies to the given target. Every
// non-empty target field on the command must match; a command with no target
// fields matches everyone.
func (c *Command) Matches(t Target) bool {
	if c.InstanceID != "" && c.InstanceID != t.InstanceID {
		return false
	}
	if c.AssetID != "" && c.AssetID != t.AssetID {
		return false
	}
	if c.Organization != "" && c.Organization != t.Organization {
		return false
	}
	return true
}

// IsGlobal reports whether the command carries no target filter at all.
func (c *Command) IsGlobal() bool {
	return c.InstanceID == "" && c.AssetID == "" && c.Organization == ""
}

// commandCanonical fixes the signed key sequence. The signature field never
// participates; every other field is present even when empty so the byte
// string is unambiguous.
type commandCanonical struct {
	CommandID    string `json:"command_id"`
	Type         string `json:"type"`
	InstanceID   string `json:"instance_id"`
	AssetID      string `json:"asset_id"`
	Organization string `json:"organization"`
	Timestamp    string `json:"timestamp"`
	Reason       string `json:"reason"`
	IssuedBy     string `json:"issued_by"`
	KID          string `json:"kid"`
}

// SigningBase returns the canonical byte string a command signature covers.
func (c *Command) SigningBase() ([]byte, error) {
	return canonical.Compact(commandCanonical{
		CommandID:    c.CommandID,
		Type:         string(c.Type),
		InstanceID:   c.InstanceID,
		AssetID:      c.AssetID,
		Organization: c.Organization,
		Timestamp:    c.Timestamp.UTC().Format(time.RFC3339Nano),
		Reason:       c.Reason,
		IssuedBy:     c.IssuedBy,
		KID:          c.KID,
	})
}

// Sign computes and attaches the signature using the given signer. The
// signer's kid is stamped onto the command first so it is covered by the
// signature.
func (c *Command) Sign(s Signer) error {
	c.KID = s.KID()
	base, err := c.SigningBase()
	if err != nil {
		return err
	}
	sig, err := s.Sign(base)
	if err != nil {
		return fmt.Errorf("sign command %s: %w", c.CommandID, err)
	}
	c.Signature = sig
	return nil
}

// VerifySignature checks the command signature against the keyring entry for
// its kid.
func (c *Command) VerifySignature(kr *Keyring) error {
	if c.KID == "" {
		return fmt.Errorf("%w: kid is required", ErrSignatureInvalid)
	}
	if c.Signature == "" {
		return fmt.Errorf("%w: signature is required", ErrSignatureInvalid)
	}
	base, err := c.SigningBase()
	if err != nil {
		return err
	}
	if err := kr.Verify(c.KID, base, c.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// DeriveChild builds the command that a cascade delivers to one descendant.
// The derived id ties the child termination back to the parent command, and
// the reason records the cascade provenance.
func (c *Command) DeriveChild(childInstanceID string) *Command {
	short := childInstanceID
	if len(short) > 8 {
		short = short[:8]
	}
	return &Command{
		CommandID:  c.CommandID + "-child-" + short,
		Type:       CommandTerminate,
		InstanceID: childInstanceID,
		Timestamp:  time.Now().UTC(),
		Reason:     "Cascaded from parent: " + c.Reason,
		IssuedBy:   c.IssuedBy,
		KID:        c.KID,
	}
}
