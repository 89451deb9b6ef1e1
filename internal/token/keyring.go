package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aigos/aigos/internal/config"
)

// Signing algorithm names as they appear in JWT headers.
const (
	AlgEdDSA = "EdDSA"
	AlgRS256 = "RS256"
	AlgHS256 = "HS256"
)

var (
	// ErrKeyNotFound means no trusted key matches the token's kid.
	ErrKeyNotFound = errors.New("verification key not found")
	// ErrNoSigningKey means the keyring was loaded without signing material.
	ErrNoSigningKey = errors.New("no signing key configured")
)

// verifyKey pairs key material with the only algorithm it may verify under.
type verifyKey struct {
	alg string
	key any
}

// Keyring holds the active signing key and the trusted verification keys.
// Signing material is immutable after load; the verification set can be
// replaced by a JWKS refresh, which is a single-writer swap of the
// JWKS-sourced entries.
type Keyring struct {
	mu       sync.RWMutex
	verify   map[string]verifyKey
	jwksKIDs map[string]bool // kids owned by the JWKS refresher

	signKID string
	signAlg string
	signKey any

	client *http.Client
	logger *slog.Logger
}

// NewKeyring returns an empty keyring.
func NewKeyring(logger *slog.Logger) *Keyring {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keyring{
		verify:   make(map[string]verifyKey),
		jwksKIDs: make(map[string]bool),
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logger.With("component", "token.Keyring"),
	}
}

// LoadKeyring builds a keyring from configuration: the local signing key
// (PEM file or HMAC secret) and the statically trusted verification keys.
// The signing key's public half is registered for verification under the
// same kid so self-issued tokens round-trip.
func LoadKeyring(cfg config.TokenConfig, logger *slog.Logger) (*Keyring, error) {
	k := NewKeyring(logger)

	if cfg.SigningKID != "" {
		alg, err := normalizeAlg(cfg.SigningAlg)
		if err != nil {
			return nil, fmt.Errorf("signing key %q: %w", cfg.SigningKID, err)
		}
		if alg == AlgHS256 {
			if cfg.SigningSecret == "" {
				return nil, fmt.Errorf("signing key %q: HS256 requires a secret", cfg.SigningKID)
			}
			if err := k.SetSigningKey(cfg.SigningKID, alg, []byte(cfg.SigningSecret)); err != nil {
				return nil, err
			}
		} else {
			if cfg.SigningKeyPath == "" {
				return nil, fmt.Errorf("signing key %q: %s requires a private key file", cfg.SigningKID, alg)
			}
			key, err := loadPrivateKeyPEM(cfg.SigningKeyPath)
			if err != nil {
				return nil, fmt.Errorf("signing key %q: %w", cfg.SigningKID, err)
			}
			if err := k.SetSigningKey(cfg.SigningKID, alg, key); err != nil {
				return nil, err
			}
		}
	}

	for _, tk := range cfg.TrustedKeys {
		alg, err := normalizeAlg(tk.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("trusted key %q: %w", tk.KID, err)
		}
		if alg == AlgHS256 {
			if tk.Secret == "" {
				return nil, fmt.Errorf("trusted key %q: HS256 requires a secret", tk.KID)
			}
			k.AddVerificationKey(tk.KID, alg, []byte(tk.Secret))
			continue
		}
		pub, err := loadPublicKeyPEM(tk.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("trusted key %q: %w", tk.KID, err)
		}
		k.AddVerificationKey(tk.KID, alg, pub)
	}
	return k, nil
}

// SetSigningKey installs the active signing key and registers its public
// half for verification under the same kid.
func (k *Keyring) SetSigningKey(kid, alg string, key any) error {
	var public any
	switch priv := key.(type) {
	case ed25519.PrivateKey:
		if alg != AlgEdDSA {
			return fmt.Errorf("kid %q: Ed25519 key requires EdDSA, got %s", kid, alg)
		}
		public = priv.Public()
	case *rsa.PrivateKey:
		if alg != AlgRS256 {
			return fmt.Errorf("kid %q: RSA key requires RS256, got %s", kid, alg)
		}
		public = &priv.PublicKey
	case []byte:
		if alg != AlgHS256 {
			return fmt.Errorf("kid %q: secret key requires HS256, got %s", kid, alg)
		}
		public = key
	default:
		return fmt.Errorf("kid %q: unsupported signing key type %T", kid, key)
	}

	k.mu.Lock()
	k.signKID = kid
	k.signAlg = alg
	k.signKey = key
	k.verify[kid] = verifyKey{alg: alg, key: public}
	k.mu.Unlock()
	return nil
}

// AddVerificationKey registers a trusted verification key.
func (k *Keyring) AddVerificationKey(kid, alg string, key any) {
	k.mu.Lock()
	k.verify[kid] = verifyKey{alg: alg, key: key}
	k.mu.Unlock()
}

// Len returns the number of trusted verification keys.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.verify)
}

// Sign serializes and signs claims with the active key, stamping the kid and
// the governance typ header.
func (k *Keyring) Sign(claims *Claims) (string, error) {
	k.mu.RLock()
	kid, alg, key := k.signKID, k.signAlg, k.signKey
	k.mu.RUnlock()

	if key == nil {
		return "", ErrNoSigningKey
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return "", fmt.Errorf("unknown signing algorithm %q", alg)
	}

	t := jwt.NewWithClaims(method, claims)
	t.Header["kid"] = kid
	t.Header["typ"] = TokenType
	return t.SignedString(key)
}

// Keyfunc resolves the verification key for a parsed token header. It
// rejects tokens whose alg does not match the key's registered algorithm, so
// a token can never downgrade an asymmetric key to HMAC.
func (k *Keyring) Keyfunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: token has no kid header", ErrKeyNotFound)
	}

	k.mu.RLock()
	vk, ok := k.verify[kid]
	k.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	if t.Method.Alg() != vk.alg {
		return nil, fmt.Errorf("kid %q is registered for %s, token uses %s", kid, vk.alg, t.Method.Alg())
	}
	return vk.key, nil
}

// SigningKID returns the active signing key id, empty when none is loaded.
func (k *Keyring) SigningKID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.signKID
}

// jwk is one key as served by a JWKS endpoint.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	N   string `json:"n"`
	E   string `json:"e"`
	K   string `json:"k"`
}

// decode converts the JWK to a verification key and its algorithm.
func (j jwk) decode() (any, string, error) {
	switch j.Kty {
	case "OKP":
		if j.Crv != "Ed25519" {
			return nil, "", fmt.Errorf("unsupported OKP curve %q", j.Crv)
		}
		raw, err := base64.RawURLEncoding.DecodeString(j.X)
		if err != nil {
			return nil, "", fmt.Errorf("decode x: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, "", fmt.Errorf("Ed25519 key is %d bytes", len(raw))
		}
		return ed25519.PublicKey(raw), AlgEdDSA, nil
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(j.N)
		if err != nil {
			return nil, "", fmt.Errorf("decode n: %w", err)
		}
		e, err := base64.RawURLEncoding.DecodeString(j.E)
		if err != nil {
			return nil, "", fmt.Errorf("decode e: %w", err)
		}
		pub := &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}
		return pub, AlgRS256, nil
	case "oct":
		raw, err := base64.RawURLEncoding.DecodeString(j.K)
		if err != nil {
			return nil, "", fmt.Errorf("decode k: %w", err)
		}
		return raw, AlgHS256, nil
	default:
		return nil, "", fmt.Errorf("unsupported kty %q", j.Kty)
	}
}

// RefreshJWKS fetches the JWKS document and swaps in its keys. Keys loaded
// from static configuration are untouched; kids that disappeared from the
// endpoint are dropped.
func (k *Keyring) RefreshJWKS(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("jwks request: %w", err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("jwks fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch: status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("jwks decode: %w", err)
	}

	fresh := make(map[string]verifyKey, len(doc.Keys))
	for _, j := range doc.Keys {
		if j.Kid == "" {
			continue
		}
		key, alg, err := j.decode()
		if err != nil {
			k.logger.Warn("skipping JWKS key", "kid", j.Kid, "error", err)
			continue
		}
		if j.Alg != "" {
			alg = j.Alg
		}
		fresh[j.Kid] = verifyKey{alg: alg, key: key}
	}

	k.mu.Lock()
	for kid := range k.jwksKIDs {
		if _, ok := fresh[kid]; !ok {
			delete(k.verify, kid)
			delete(k.jwksKIDs, kid)
		}
	}
	for kid, vk := range fresh {
		k.verify[kid] = vk
		k.jwksKIDs[kid] = true
	}
	total := len(k.verify)
	k.mu.Unlock()

	k.logger.Info("JWKS refreshed", "url", url, "keys", len(fresh), "trusted_total", total)
	return nil
}

// WatchJWKS refreshes the verification set every interval until ctx is
// cancelled. Fetch failures keep the previous set.
func (k *Keyring) WatchJWKS(ctx context.Context, url string, interval time.Duration) {
	if url == "" {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	if err := k.RefreshJWKS(ctx, url); err != nil {
		k.logger.Error("initial JWKS refresh failed", "url", url, "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.RefreshJWKS(ctx, url); err != nil {
				k.logger.Error("JWKS refresh failed", "url", url, "error", err)
			}
		}
	}
}

// normalizeAlg maps accepted algorithm spellings to JWT header names.
func normalizeAlg(alg string) (string, error) {
	switch strings.ToLower(alg) {
	case "eddsa", "ed25519":
		return AlgEdDSA, nil
	case "rs256", "rsa-sha256":
		return AlgRS256, nil
	case "hs256", "hmac-sha256":
		return AlgHS256, nil
	default:
		return "", fmt.Errorf("unsupported algorithm %q", alg)
	}
}

func loadPrivateKeyPEM(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: parse private key: %w", path, err)
	}
	return key, nil
}

func loadPublicKeyPEM(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: parse public key: %w", path, err)
	}
	return key, nil
}
