package token

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aigos/aigos/internal/event"
	"github.com/aigos/aigos/internal/identity"
	"github.com/aigos/aigos/internal/metrics"
)

var (
	// ErrOutboundDenied means the outbound peer policy rejected the target
	// before any request was sent.
	ErrOutboundDenied = errors.New("outbound call denied")
	// ErrResponseRejected means the peer's response failed token validation
	// or the outbound peer policy.
	ErrResponseRejected = errors.New("peer response rejected")
)

// InboundResult is the outcome of an inbound handshake.
type InboundResult struct {
	Allowed       bool    `json:"allowed"`
	Code          string  `json:"code,omitempty"`
	Message       string  `json:"message,omitempty"`
	Peer          *Claims `json:"-"`
	ResponseToken string  `json:"responseToken,omitempty"`
}

// Handshake drives both sides of the agent-to-agent exchange for one local
// agent: it validates inbound governance tokens against the peer policy and
// answers with a token of its own, and it pre-flights and stamps outbound
// requests.
type Handshake struct {
	local     *identity.RuntimeIdentity
	issuer    *Issuer
	validator *Validator
	policy    *PeerPolicy
	control   func() ControlSnapshot

	sink    event.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHandshake wires a Handshake for the given local identity. control
// supplies the live kill-switch snapshot stamped into minted tokens; nil
// means every flag reads false.
func NewHandshake(local *identity.RuntimeIdentity, issuer *Issuer, validator *Validator, policy *PeerPolicy, control func() ControlSnapshot, sink event.Sink, logger *slog.Logger, m *metrics.Metrics) *Handshake {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = event.Discard
	}
	if control == nil {
		control = func() ControlSnapshot { return ControlSnapshot{} }
	}
	return &Handshake{
		local:     local,
		issuer:    issuer,
		validator: validator,
		policy:    policy,
		control:   control,
		sink:      sink,
		metrics:   m,
		logger:    logger.With("component", "token.Handshake"),
	}
}

// Inbound runs the receiving side of the handshake on a presented token.
// When the exchange is allowed the result carries a response token targeted
// at the caller's organization; when it is not, the result carries the token
// error code the transport should surface.
func (h *Handshake) Inbound(tokenString string) InboundResult {
	h.emit("handshake.started", event.CriticalityLow, map[string]any{
		"direction": DirectionInbound,
	})

	if strings.TrimSpace(tokenString) == "" {
		if h.policy.inbound.RequireToken {
			h.metrics.ObserveToken("handshake_inbound", CodeMissingClaims)
			h.fail(DirectionInbound, CodeMissingClaims, "no governance token presented", nil)
			return InboundResult{Code: CodeMissingClaims, Message: "governance token required"}
		}
		h.metrics.ObserveToken("handshake_inbound", "anonymous")
		h.emit("handshake.completed", event.CriticalityLow, map[string]any{
			"direction": DirectionInbound,
			"anonymous": true,
		})
		return InboundResult{Allowed: true}
	}

	v := h.validator.Validate(tokenString)
	if !v.Valid {
		h.emit("token.validation_failed", event.CriticalityHigh, withPeer(map[string]any{
			"direction": DirectionInbound,
			"code":      v.ErrorCode,
		}, v.Claims))
		h.metrics.ObserveToken("handshake_inbound", v.ErrorCode)
		h.fail(DirectionInbound, v.ErrorCode, v.ErrorMessage, v.Claims)
		return InboundResult{Code: v.ErrorCode, Message: v.ErrorMessage, Peer: v.Claims}
	}
	h.emit("token.validated", event.CriticalityLow, withPeer(map[string]any{
		"direction": DirectionInbound,
	}, v.Claims))

	d := h.policy.CheckInbound(v.Claims)
	h.emit("policy.checked", event.CriticalityLow, withPeer(map[string]any{
		"direction": DirectionInbound,
		"allowed":   d.Allowed,
	}, v.Claims))
	if !d.Allowed {
		h.emit("policy.violated", event.CriticalityHigh, withPeer(map[string]any{
			"direction": DirectionInbound,
			"reason":    d.Reason,
		}, v.Claims))
		h.metrics.ObserveToken("handshake_inbound", d.Code)
		h.fail(DirectionInbound, d.Code, d.Reason, v.Claims)
		return InboundResult{Code: d.Code, Message: d.Reason, Peer: v.Claims}
	}

	res := InboundResult{Allowed: true, Peer: v.Claims}
	issued, err := h.issuer.Generate(h.local, v.Claims.AIGOS.Identity.Organization, 0, h.control())
	if err != nil {
		h.logger.Warn("response token not issued", "error", err)
	} else {
		res.ResponseToken = issued.Token
	}

	h.metrics.ObserveToken("handshake_inbound", "ok")
	h.emit("handshake.completed", event.CriticalityLow, withPeer(map[string]any{
		"direction": DirectionInbound,
	}, v.Claims))
	return res
}

// Outbound pre-flights req's target domain against the outbound policy and,
// when the policy includes tokens, mints one and stamps the governance
// headers onto req. A nil Issued with a nil error means tokens are disabled
// and the request may proceed bare.
func (h *Handshake) Outbound(req *http.Request) (*Issued, error) {
	domain := req.URL.Hostname()
	h.emit("handshake.started", event.CriticalityLow, map[string]any{
		"direction": DirectionOutbound,
		"domain":    domain,
	})

	d := h.policy.CheckOutboundDomain(domain)
	h.emit("policy.checked", event.CriticalityLow, map[string]any{
		"direction": DirectionOutbound,
		"domain":    domain,
		"allowed":   d.Allowed,
	})
	if !d.Allowed {
		h.emit("policy.violated", event.CriticalityHigh, map[string]any{
			"direction": DirectionOutbound,
			"domain":    domain,
			"reason":    d.Reason,
		})
		h.metrics.ObserveToken("handshake_outbound", d.Code)
		h.fail(DirectionOutbound, d.Code, d.Reason, nil)
		return nil, fmt.Errorf("%w: %s", ErrOutboundDenied, d.Reason)
	}

	if !h.policy.outbound.IncludeToken {
		h.metrics.ObserveToken("handshake_outbound", "bare")
		h.emit("handshake.completed", event.CriticalityLow, map[string]any{
			"direction": DirectionOutbound,
			"domain":    domain,
			"token":     false,
		})
		return nil, nil
	}

	issued, err := h.issuer.Generate(h.local, domain, 0, h.control())
	if err != nil {
		h.metrics.ObserveToken("handshake_outbound", "error")
		h.fail(DirectionOutbound, "", err.Error(), nil)
		return nil, fmt.Errorf("generate outbound token: %w", err)
	}

	req.Header.Set(HeaderToken, issued.Token)
	req.Header.Set(HeaderProtocolVersion, ProtocolVersion)
	req.Header.Set(HeaderRequestID, issued.JTI)

	h.metrics.ObserveToken("handshake_outbound", "ok")
	h.emit("handshake.completed", event.CriticalityLow, map[string]any{
		"direction": DirectionOutbound,
		"domain":    domain,
		"jti":       issued.JTI,
	})
	return issued, nil
}

// CheckResponse validates the peer's response token when the outbound policy
// asks for it. A nil error means the response is acceptable.
func (h *Handshake) CheckResponse(resp *http.Response) error {
	if !h.policy.outbound.ValidateResponseTokens {
		return nil
	}

	tok := ExtractToken(resp.Header)
	if tok == "" {
		h.emit("token.validation_failed", event.CriticalityHigh, map[string]any{
			"direction": DirectionOutbound,
			"code":      CodeMissingClaims,
		})
		return fmt.Errorf("%w: no governance token in response", ErrResponseRejected)
	}

	v := h.validator.Validate(tok)
	if !v.Valid {
		h.emit("token.validation_failed", event.CriticalityHigh, withPeer(map[string]any{
			"direction": DirectionOutbound,
			"code":      v.ErrorCode,
		}, v.Claims))
		return fmt.Errorf("%w: %s: %s", ErrResponseRejected, v.ErrorCode, v.ErrorMessage)
	}
	h.emit("token.validated", event.CriticalityLow, withPeer(map[string]any{
		"direction": DirectionOutbound,
	}, v.Claims))

	d := h.policy.CheckOutboundPeer(v.Claims)
	if !d.Allowed {
		h.emit("policy.violated", event.CriticalityHigh, withPeer(map[string]any{
			"direction": DirectionOutbound,
			"reason":    d.Reason,
		}, v.Claims))
		return fmt.Errorf("%w: %s", ErrResponseRejected, d.Reason)
	}
	return nil
}

// ExtractToken pulls the governance token out of a header set.
func ExtractToken(header http.Header) string {
	return strings.TrimSpace(header.Get(HeaderToken))
}

func (h *Handshake) fail(direction, code, message string, peer *Claims) {
	h.emit("handshake.failed", event.CriticalityHigh, withPeer(map[string]any{
		"direction": direction,
		"code":      code,
		"message":   message,
	}, peer))
}

func (h *Handshake) emit(eventType, criticality string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["instance_id"] = h.local.InstanceID

	p := event.Params{
		Type:        eventType,
		Category:    "a2a",
		Criticality: criticality,
		Source:      "aigos.token",
		OrgID:       h.local.Organization,
		AssetID:     h.local.AssetID,
		Data:        data,
	}
	if h.local.GoldenThread.TicketID != "" {
		p.GoldenThread = &event.GoldenThreadRef{
			TicketID:   h.local.GoldenThread.TicketID,
			ApprovedBy: h.local.GoldenThread.ApprovedBy,
			ApprovedAt: h.local.GoldenThread.ApprovedAt,
		}
	}
	ev, err := event.New(p)
	if err != nil {
		h.logger.Error("failed to build handshake event", "error", err)
		return
	}
	h.sink.Emit(ev)
}

func withPeer(data map[string]any, claims *Claims) map[string]any {
	if claims == nil || claims.AIGOS == nil {
		return data
	}
	data["peer_instance_id"] = claims.AIGOS.Identity.InstanceID
	data["peer_organization"] = claims.AIGOS.Identity.Organization
	return data
}
