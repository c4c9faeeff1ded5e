package signing

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const tenantKDFSalt = "helm-ledger-tenant-kdf"

// DeriveTenantKey derives 32 bytes of tenant-scoped key material from a
// master secret using HKDF-SHA256 with tenantID as info.
func DeriveTenantKey(master []byte, tenantID string) ([]byte, error) {
	if len(master) == 0 {
		return nil, errors.New("signing: master secret must not be empty")
	}
	if tenantID == "" {
		return nil, errors.New("signing: tenantID must not be empty")
	}
	r := hkdf.New(sha256.New, master, []byte(tenantKDFSalt), []byte(tenantID))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("signing: HKDF derivation failed: %w", err)
	}
	return out, nil
}

// NewTenantAuthority builds an authority for one tenant shard. alg is
// HS256 or EdDSA; EdDSA uses the derived bytes as an ed25519 seed.
func NewTenantAuthority(alg string, master []byte, tenantID string) (*JWSAuthority, error) {
	key, err := DeriveTenantKey(master, tenantID)
	if err != nil {
		return nil, err
	}
	return NewAuthority(alg, "tenant:"+tenantID, key)
}
