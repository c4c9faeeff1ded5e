package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeySize is the length of a stored root key: an HMAC secret or an
// ed25519 seed.
const KeySize = 32

// ErrKeyMissing is returned when a key file is absent and generation is
// not allowed.
var ErrKeyMissing = errors.New("signing: root key file does not exist")

// LoadOrGenerateKey reads a hex-encoded root key from path. When the file
// is absent and allowGenerate is set, a fresh key is written with 0600.
func LoadOrGenerateKey(path string, allowGenerate bool) (key []byte, generated bool, err error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		key, err = hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, false, fmt.Errorf("signing: invalid key file format: %w", err)
		}
		if len(key) != KeySize {
			return nil, false, fmt.Errorf("signing: key file holds %d bytes, want %d", len(key), KeySize)
		}
		return key, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("signing: read key file: %w", err)
	}
	if !allowGenerate {
		return nil, false, ErrKeyMissing
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("signing: generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("signing: create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, false, fmt.Errorf("signing: save key file: %w", err)
	}
	return key, true, nil
}

// WritePublicKey stores the ed25519 public key for seed next to verifiers.
func WritePublicKey(path string, seed []byte) error {
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	return os.WriteFile(path, []byte(hex.EncodeToString(pub)), 0o644)
}

// LoadPublicKey reads a hex-encoded ed25519 public key.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signing: read public key: %w", err)
	}
	pub, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("signing: invalid public key format: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("signing: invalid ed25519 public key")
	}
	return pub, nil
}

// NewAuthority builds a JWS authority for alg (HS256 or EdDSA) from a
// stored root key.
func NewAuthority(alg, name string, key []byte) (*JWSAuthority, error) {
	switch alg {
	case "HS256":
		return NewHMACAuthority(name, key)
	case "EdDSA":
		if len(key) != ed25519.SeedSize {
			return nil, errors.New("signing: ed25519 seed must be 32 bytes")
		}
		return NewEd25519Authority(name, ed25519.NewKeyFromSeed(key))
	}
	return nil, fmt.Errorf("signing: unsupported algorithm %q", alg)
}
