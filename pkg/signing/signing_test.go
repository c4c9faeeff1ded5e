package signing

import (
	"bytes"
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
)

var secret = bytes.Repeat([]byte{0x42}, 32)

func TestHMACAuthority_SignVerify(t *testing.T) {
	a, err := NewHMACAuthority("root", secret)
	require.NoError(t, err)
	assert.Equal(t, "HS256", a.Algorithm())

	payload := []byte(`{"generated_at":"t","leaf_count":2,"root_hash":"abc"}`)
	sig, err := a.SignPayload(payload)
	require.NoError(t, err)

	again, err := a.SignPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, sig, again, "HS256 signatures are deterministic")
	assert.Contains(t, sig, "..")

	assert.True(t, a.VerifyPayload(payload, sig))
	assert.False(t, a.VerifyPayload([]byte("other"), sig))

	other, _ := NewHMACAuthority("root", bytes.Repeat([]byte{0x43}, 32))
	assert.False(t, other.VerifyPayload(payload, sig))
}

func TestHMACAuthority_ShortSecret(t *testing.T) {
	_, err := NewHMACAuthority("root", []byte("short"))
	assert.Error(t, err)
}

func TestVerifyPayload_AnySingleCharacterFlipFails(t *testing.T) {
	a, err := NewHMACAuthority("root", secret)
	require.NoError(t, err)
	payload := []byte("payload")
	sig, err := a.SignPayload(payload)
	require.NoError(t, err)

	for i := range sig {
		b := []byte(sig)
		if b[i] == 'A' {
			b[i] = 'B'
		} else {
			b[i] = 'A'
		}
		assert.False(t, a.VerifyPayload(payload, string(b)), "flip at %d verified", i)
	}
}

func TestEd25519Authority(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(seed)
	a, err := NewEd25519Authority("root", priv)
	require.NoError(t, err)
	assert.Equal(t, "EdDSA", a.Algorithm())

	sig, err := a.SignPayload([]byte("payload"))
	require.NoError(t, err)

	v, err := NewEd25519Verifier("root", priv.Public().(ed25519.PublicKey))
	require.NoError(t, err)
	assert.True(t, v.VerifyPayload([]byte("payload"), sig))

	_, err = v.SignPayload([]byte("payload"))
	assert.ErrorIs(t, err, integrity.ErrSigningAuthorityFailure)

	// An HS256 signature must not verify under an EdDSA authority.
	h, _ := NewHMACAuthority("root", secret)
	hsig, _ := h.SignPayload([]byte("payload"))
	assert.False(t, v.VerifyPayload([]byte("payload"), hsig))
}

func TestDeriveTenantKey(t *testing.T) {
	k1, err := DeriveTenantKey(secret, "tenant-a")
	require.NoError(t, err)
	k1again, _ := DeriveTenantKey(secret, "tenant-a")
	k2, _ := DeriveTenantKey(secret, "tenant-b")

	assert.Len(t, k1, 32)
	assert.Equal(t, k1, k1again)
	assert.NotEqual(t, k1, k2)

	_, err = DeriveTenantKey(secret, "")
	assert.Error(t, err)

	a, err := NewTenantAuthority("EdDSA", secret, "tenant-a")
	require.NoError(t, err)
	b, err := NewTenantAuthority("EdDSA", secret, "tenant-b")
	require.NoError(t, err)
	sig, _ := a.SignPayload([]byte("x"))
	assert.True(t, a.VerifyPayload([]byte("x"), sig))
	assert.False(t, b.VerifyPayload([]byte("x"), sig))
	assert.Equal(t, "tenant:tenant-a", a.Name())
}

func TestRateLimited(t *testing.T) {
	inner, _ := NewHMACAuthority("root", secret)
	rl := NewRateLimited(inner, 50, 1)
	assert.Equal(t, "root", rl.Name())

	start := time.Now()
	var sig string
	for i := 0; i < 3; i++ {
		var err error
		sig, err = rl.SignPayload([]byte("p"))
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.True(t, rl.VerifyPayload([]byte("p"), sig))
}

func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "root.key")

	_, _, err := LoadOrGenerateKey(path, false)
	assert.ErrorIs(t, err, ErrKeyMissing)

	key, generated, err := LoadOrGenerateKey(path, true)
	require.NoError(t, err)
	assert.True(t, generated)
	assert.Len(t, key, KeySize)

	loaded, generated, err := LoadOrGenerateKey(path, true)
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, key, loaded)

	pubPath := filepath.Join(t.TempDir(), "root.pub")
	require.NoError(t, WritePublicKey(pubPath, key))
	pub, err := LoadPublicKey(pubPath)
	require.NoError(t, err)

	signer, err := NewAuthority("EdDSA", "root", key)
	require.NoError(t, err)
	verifier, err := NewEd25519Verifier("root", pub)
	require.NoError(t, err)
	sig, _ := signer.SignPayload([]byte("p"))
	assert.True(t, verifier.VerifyPayload([]byte("p"), sig))

	_, err = NewAuthority("RS256", "root", key)
	assert.Error(t, err)
}
