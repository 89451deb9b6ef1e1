package token

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aigos/aigos/internal/config"
	"github.com/aigos/aigos/internal/metrics"
)

// Validation is the outcome of checking one token. Claims are attached when
// the token parsed far enough to read them, including for the state-error
// codes (PAUSED_AGENT, TERMINATION_PENDING).
type Validation struct {
	Valid        bool    `json:"valid"`
	Claims       *Claims `json:"payload,omitempty"`
	ErrorCode    string  `json:"error_code,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// Validator checks governance tokens against the trusted keyring and the
// expected issuer and audience. It is stateless per call.
type Validator struct {
	keys     *Keyring
	issuer   string // empty = any issuer
	audience string // empty = any audience
	parser   *jwt.Parser

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewValidator creates a Validator. ClockTolerance applies to exp, nbf, and
// iat checks.
func NewValidator(cfg config.TokenConfig, keys *Keyring, logger *slog.Logger, m *metrics.Metrics) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	tolerance := cfg.ClockTolerance
	if tolerance <= 0 {
		tolerance = 30 * time.Second
	}
	return &Validator{
		keys:     keys,
		issuer:   cfg.Issuer,
		audience: cfg.DefaultAudience,
		parser: jwt.NewParser(
			jwt.WithLeeway(tolerance),
			jwt.WithValidMethods([]string{AlgEdDSA, AlgRS256, AlgHS256}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
		metrics: m,
		logger:  logger.With("component", "token.Validator"),
	}
}

// Validate checks one token end to end: signature and standard claims via
// the JWT parser, then the governance typ header, issuer, audience, the
// aigos claim block, and finally the peer's control state.
func (v *Validator) Validate(tokenString string) Validation {
	res := v.validate(tokenString)

	outcome := "ok"
	if !res.Valid {
		outcome = res.ErrorCode
		v.logger.Debug("token rejected", "code", res.ErrorCode, "message", res.ErrorMessage)
	}
	v.metrics.ObserveToken("validate", outcome)
	return res
}

func (v *Validator) validate(tokenString string) Validation {
	if tokenString == "" {
		return invalid(CodeInvalidFormat, "empty token")
	}

	claims := &Claims{}
	tok, err := v.parser.ParseWithClaims(tokenString, claims, v.keys.Keyfunc)
	if err != nil {
		switch {
		case errors.Is(err, ErrKeyNotFound):
			return invalid(CodeKeyNotFound, err.Error())
		case errors.Is(err, jwt.ErrTokenMalformed):
			return invalid(CodeInvalidFormat, err.Error())
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return invalid(CodeInvalidSignature, err.Error())
		case errors.Is(err, jwt.ErrTokenExpired):
			return invalid(CodeExpired, err.Error())
		case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
			return invalid(CodeNotYetValid, err.Error())
		case errors.Is(err, jwt.ErrTokenInvalidClaims):
			return invalid(CodeInvalidClaims, err.Error())
		default:
			return invalid(CodeInvalidFormat, err.Error())
		}
	}

	if typ, _ := tok.Header["typ"].(string); typ != TokenType {
		return invalid(CodeInvalidFormat, fmt.Sprintf("header typ is %q, want %q", typ, TokenType))
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return invalid(CodeInvalidIssuer, fmt.Sprintf("issuer %q is not trusted", claims.Issuer))
	}
	if v.audience != "" && !hasAudience(claims.Audience, v.audience) {
		return invalid(CodeInvalidAudience, fmt.Sprintf("token is not addressed to %q", v.audience))
	}

	if claims.AIGOS == nil {
		return invalid(CodeMissingClaims, "aigos claim block is missing")
	}
	if err := claims.AIGOS.wellFormed(); err != nil {
		return invalid(CodeInvalidClaims, err.Error())
	}

	if claims.AIGOS.Control.TerminationPending {
		return Validation{
			Valid:        false,
			Claims:       claims,
			ErrorCode:    CodeTerminationPending,
			ErrorMessage: "peer agent has a termination pending",
		}
	}
	if claims.AIGOS.Control.Paused {
		return Validation{
			Valid:        false,
			Claims:       claims,
			ErrorCode:    CodePausedAgent,
			ErrorMessage: "peer agent is paused",
		}
	}

	return Validation{Valid: true, Claims: claims}
}

func invalid(code, message string) Validation {
	return Validation{Valid: false, ErrorCode: code, ErrorMessage: message}
}

func hasAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
