package killswitch

import (
	"crypto"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aigos/aigos/internal/config"
)

// Supported signature algorithms.
const (
	AlgEd25519 = "Ed25519"
	AlgRS256   = "RS256"
	AlgHS256   = "HS256"
)

var (
	// ErrKeyNotFound means no trusted key is registered under the kid.
	ErrKeyNotFound = errors.New("trusted key not found")
	// ErrBadSignature means the signature bytes did not verify.
	ErrBadSignature = errors.New("signature verification failed")
)

// Signer produces detached base64 signatures over canonical command bytes.
type Signer interface {
	Sign(data []byte) (string, error)
	KID() string
	Algorithm() string
}

// Verifier checks detached base64 signatures for a single trusted key.
type Verifier interface {
	Verify(data []byte, signature string) error
	Algorithm() string
}

// NormalizeAlgorithm maps the spellings accepted in configuration onto the
// canonical algorithm names.
func NormalizeAlgorithm(alg string) (string, error) {
	switch strings.ToLower(alg) {
	case "ed25519", "eddsa":
		return AlgEd25519, nil
	case "rs256", "rsa-sha256":
		return AlgRS256, nil
	case "hs256", "hmac-sha256":
		return AlgHS256, nil
	default:
		return "", fmt.Errorf("unsupported signature algorithm %q", alg)
	}
}

type ed25519Signer struct {
	kid string
	key ed25519.PrivateKey
}

// NewEd25519Signer wraps an Ed25519 private key as a command signer.
func NewEd25519Signer(kid string, key ed25519.PrivateKey) Signer {
	return &ed25519Signer{kid: kid, key: key}
}

func (s *ed25519Signer) Sign(data []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, data)), nil
}

func (s *ed25519Signer) KID() string       { return s.kid }
func (s *ed25519Signer) Algorithm() string { return AlgEd25519 }

type ed25519Verifier struct {
	key ed25519.PublicKey
}

// NewEd25519Verifier wraps an Ed25519 public key as a command verifier.
func NewEd25519Verifier(key ed25519.PublicKey) Verifier {
	return &ed25519Verifier{key: key}
}

func (v *ed25519Verifier) Verify(data []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(v.key, data, sig) {
		return ErrBadSignature
	}
	return nil
}

func (v *ed25519Verifier) Algorithm() string { return AlgEd25519 }

type rsaSigner struct {
	kid string
	key *rsa.PrivateKey
}

// NewRSASigner wraps an RSA private key as an RSA-SHA256 command signer.
func NewRSASigner(kid string, key *rsa.PrivateKey) Signer {
	return &rsaSigner{kid: kid, key: key}
}

func (s *rsaSigner) Sign(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (s *rsaSigner) KID() string       { return s.kid }
func (s *rsaSigner) Algorithm() string { return AlgRS256 }

type rsaVerifier struct {
	key *rsa.PublicKey
}

// NewRSAVerifier wraps an RSA public key as an RSA-SHA256 command verifier.
func NewRSAVerifier(key *rsa.PublicKey) Verifier {
	return &rsaVerifier{key: key}
}

func (v *rsaVerifier) Verify(data []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(v.key, crypto.SHA256, digest[:], sig); err != nil {
		return ErrBadSignature
	}
	return nil
}

func (v *rsaVerifier) Algorithm() string { return AlgRS256 }

type hmacKey struct {
	kid    string
	secret []byte
}

// NewHMACSigner wraps a shared secret as an HS256 command signer.
func NewHMACSigner(kid string, secret []byte) Signer {
	return &hmacKey{kid: kid, secret: secret}
}

// NewHMACVerifier wraps a shared secret as an HS256 command verifier.
func NewHMACVerifier(secret []byte) Verifier {
	return &hmacKey{secret: secret}
}

func (k *hmacKey) Sign(data []byte) (string, error) {
	mac := hmac.New(sha256.New, k.secret)
	mac.Write(data)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (k *hmacKey) Verify(data []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	mac := hmac.New(sha256.New, k.secret)
	mac.Write(data)
	if subtle.ConstantTimeCompare(sig, mac.Sum(nil)) != 1 {
		return ErrBadSignature
	}
	return nil
}

func (k *hmacKey) KID() string       { return k.kid }
func (k *hmacKey) Algorithm() string { return AlgHS256 }

// Keyring holds the trusted verification keys, indexed by kid.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]Verifier
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]Verifier)}
}

// Add registers a verifier under the given kid, replacing any previous entry.
func (kr *Keyring) Add(kid string, v Verifier) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.keys[kid] = v
}

// Verify checks a detached signature against the key registered for kid.
func (kr *Keyring) Verify(kid string, data []byte, signature string) error {
	kr.mu.RLock()
	v, ok := kr.keys[kid]
	kr.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	return v.Verify(data, signature)
}

// Len reports the number of registered keys.
func (kr *Keyring) Len() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return len(kr.keys)
}

// LoadKeyring builds a keyring from trusted-key configuration entries.
// Asymmetric entries read a PEM public key from disk; HS256 entries carry the
// shared secret inline.
func LoadKeyring(entries []config.TrustedKey) (*Keyring, error) {
	kr := NewKeyring()
	for _, e := range entries {
		alg, err := NormalizeAlgorithm(e.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("trusted key %q: %w", e.KID, err)
		}
		switch alg {
		case AlgHS256:
			if e.Secret == "" {
				return nil, fmt.Errorf("trusted key %q: hs256 requires a secret", e.KID)
			}
			kr.Add(e.KID, NewHMACVerifier([]byte(e.Secret)))
		case AlgEd25519:
			pub, err := loadPublicKeyPEM(e.PublicKeyPath)
			if err != nil {
				return nil, fmt.Errorf("trusted key %q: %w", e.KID, err)
			}
			key, ok := pub.(ed25519.PublicKey)
			if !ok {
				return nil, fmt.Errorf("trusted key %q: not an ed25519 public key", e.KID)
			}
			kr.Add(e.KID, NewEd25519Verifier(key))
		case AlgRS256:
			pub, err := loadPublicKeyPEM(e.PublicKeyPath)
			if err != nil {
				return nil, fmt.Errorf("trusted key %q: %w", e.KID, err)
			}
			key, ok := pub.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("trusted key %q: not an rsa public key", e.KID)
			}
			kr.Add(e.KID, NewRSAVerifier(key))
		}
	}
	return kr, nil
}

func loadPublicKeyPEM(path string) (any, error) {
	if path == "" {
		return nil, errors.New("public_key_path is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParsePublicKeyPEM(raw)
}

// ParsePublicKeyPEM decodes a PKIX public key from PEM bytes.
func ParsePublicKeyPEM(raw []byte) (any, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no pem block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}

// ParsePrivateKeyPEM decodes a PKCS#8 private key from PEM bytes.
func ParsePrivateKeyPEM(raw []byte) (any, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no pem block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
