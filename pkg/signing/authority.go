// Package signing provides root signing authorities. An authority signs
// and verifies opaque payload bytes; key lifecycle is the caller's concern.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/helm-ledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
)

// Authority signs and verifies root payloads. Implementations must be
// deterministic: the same bytes and key always verify the same way.
type Authority interface {
	SignPayload(payload []byte) (string, error)
	VerifyPayload(payload []byte, signature string) bool
	Name() string
}

const headerType = "helm-ledger-root+jws"

var b64 = base64.RawURLEncoding

type jwsHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid,omitempty"`
	Typ string `json:"typ"`
}

// JWSAuthority produces detached JWS compact signatures
// (base64url(header) + ".." + base64url(signature)) over the payload.
type JWSAuthority struct {
	name      string
	kid       string
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
}

// NewHMACAuthority signs with HS256. The secret must be at least 32 bytes.
func NewHMACAuthority(name string, secret []byte) (*JWSAuthority, error) {
	if len(secret) < 32 {
		return nil, errors.New("signing: hmac secret must be at least 32 bytes")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &JWSAuthority{
		name:      name,
		kid:       KeyID(key),
		method:    jwt.SigningMethodHS256,
		signKey:   key,
		verifyKey: key,
	}, nil
}

// NewEd25519Authority signs with EdDSA.
func NewEd25519Authority(name string, priv ed25519.PrivateKey) (*JWSAuthority, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("signing: invalid ed25519 private key")
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &JWSAuthority{
		name:      name,
		kid:       KeyID(pub),
		method:    jwt.SigningMethodEdDSA,
		signKey:   priv,
		verifyKey: pub,
	}, nil
}

// NewEd25519Verifier returns a verify-only EdDSA authority, as used by
// read-only verifier nodes holding just the public key.
func NewEd25519Verifier(name string, pub ed25519.PublicKey) (*JWSAuthority, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("signing: invalid ed25519 public key")
	}
	return &JWSAuthority{
		name:      name,
		kid:       KeyID(pub),
		method:    jwt.SigningMethodEdDSA,
		verifyKey: pub,
	}, nil
}

func (a *JWSAuthority) Name() string { return a.name }

// Algorithm returns the JWS alg value.
func (a *JWSAuthority) Algorithm() string { return a.method.Alg() }

// SignPayload returns a detached compact JWS over payload.
func (a *JWSAuthority) SignPayload(payload []byte) (string, error) {
	if a.signKey == nil {
		return "", integrity.New(integrity.KindSigningAuthorityFailure, "signing.sign", "authority %s is verify-only", a.name)
	}
	header, err := a.encodedHeader()
	if err != nil {
		return "", integrity.Wrap(integrity.KindSigningAuthorityFailure, "signing.sign", err)
	}
	sig, err := a.method.Sign(header+"."+b64.EncodeToString(payload), a.signKey)
	if err != nil {
		return "", integrity.Wrap(integrity.KindSigningAuthorityFailure, "signing.sign", err)
	}
	return header + ".." + b64.EncodeToString(sig), nil
}

// VerifyPayload checks a detached compact JWS against payload. The header
// must name this authority's algorithm.
func (a *JWSAuthority) VerifyPayload(payload []byte, signature string) bool {
	parts := strings.Split(signature, ".")
	if len(parts) != 3 || parts[1] != "" {
		return false
	}
	rawHeader, err := b64.Strict().DecodeString(parts[0])
	if err != nil {
		return false
	}
	var h jwsHeader
	if err := json.Unmarshal(rawHeader, &h); err != nil {
		return false
	}
	if h.Alg != a.method.Alg() || h.Typ != headerType {
		return false
	}
	if h.Kid != "" && h.Kid != a.kid {
		return false
	}
	sig, err := b64.Strict().DecodeString(parts[2])
	if err != nil {
		return false
	}
	return a.method.Verify(parts[0]+"."+b64.EncodeToString(payload), sig, a.verifyKey) == nil
}

func (a *JWSAuthority) encodedHeader() (string, error) {
	raw, err := canonicalize.JCS(jwsHeader{Alg: a.method.Alg(), Kid: a.kid, Typ: headerType})
	if err != nil {
		return "", err
	}
	return b64.EncodeToString(raw), nil
}

// KeyID is a short public identifier for key material: the first 16 hex
// characters of its SHA-256.
func KeyID(key []byte) string {
	return canonicalize.HashBytes(key)[:16]
}
