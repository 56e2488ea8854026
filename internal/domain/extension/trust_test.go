package extension

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testSigner generates an ed25519 keypair and the trust policy entry for it.
func testSigner(t *testing.T, keyID string) (Signer, ed25519.PrivateKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	return Signer{
		KeyID:     keyID,
		PublicKey: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))),
	}, priv
}

func signedManifest(t *testing.T, module []byte, keyID string, key ed25519.PrivateKey) *PackageManifest {
	t.Helper()

	m := testManifest(module)
	m.Signature = &ManifestSignature{
		KeyID:     keyID,
		Algorithm: SignatureAlgorithm,
		Data:      SignModuleDigest(key, module),
	}
	return m
}

func TestTrustLevelOrder(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3, TrustLevelOrder(TrustVerified))
	assert.Equal(t, 2, TrustLevelOrder(TrustCommunity))
	assert.Equal(t, 1, TrustLevelOrder(TrustUntrusted))
	assert.Equal(t, 0, TrustLevelOrder(TrustLevel("bogus")))
}

func TestDefaultTrustPolicy(t *testing.T) {
	t.Parallel()

	policy := DefaultTrustPolicy()
	assert.Equal(t, TrustCommunity, policy.MinLevel)
	assert.True(t, policy.AllowUnsigned)
	assert.Empty(t, policy.Signers)
}

func TestStrictTrustPolicy(t *testing.T) {
	t.Parallel()

	signer, _ := testSigner(t, "example-audio")
	policy := StrictTrustPolicy(signer)
	assert.Equal(t, TrustVerified, policy.MinLevel)
	assert.False(t, policy.AllowUnsigned)
	assert.Len(t, policy.Signers, 1)
}

func TestLoadTrustPolicy(t *testing.T) {
	t.Parallel()

	t.Run("missing file yields default", func(t *testing.T) {
		t.Parallel()
		policy, err := LoadTrustPolicy(filepath.Join(t.TempDir(), "trust.toml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultTrustPolicy(), policy)
	})

	t.Run("valid policy file", func(t *testing.T) {
		t.Parallel()
		signer, _ := testSigner(t, "example-audio")
		doc := `min_level = "verified"
allow_unsigned = false

[[signers]]
key_id = "example-audio"
public_key = "` + signer.PublicKey + `"
`
		path := filepath.Join(t.TempDir(), "trust.toml")
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

		policy, err := LoadTrustPolicy(path)
		require.NoError(t, err)
		assert.Equal(t, TrustVerified, policy.MinLevel)
		assert.False(t, policy.AllowUnsigned)
		require.Len(t, policy.Signers, 1)
		assert.Equal(t, "example-audio", policy.Signers[0].KeyID)
	})

	t.Run("unknown trust level", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "trust.toml")
		require.NoError(t, os.WriteFile(path, []byte(`min_level = "ultra"`), 0o644))

		_, err := LoadTrustPolicy(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown trust level")
	})

	t.Run("malformed toml", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "trust.toml")
		require.NoError(t, os.WriteFile(path, []byte("min_level = ["), 0o644))

		_, err := LoadTrustPolicy(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing trust policy")
	})
}

func TestEvaluateTrust(t *testing.T) {
	t.Parallel()

	t.Run("unsigned package under permissive policy", func(t *testing.T) {
		t.Parallel()
		level, err := DefaultTrustPolicy().EvaluateTrust(testManifest(testModule), testModule)
		require.NoError(t, err)
		assert.Equal(t, TrustCommunity, level)
	})

	t.Run("unsigned package under strict policy", func(t *testing.T) {
		t.Parallel()
		signer, _ := testSigner(t, "example-audio")
		_, err := StrictTrustPolicy(signer).EvaluateTrust(testManifest(testModule), testModule)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsigned")
	})

	t.Run("valid signature from listed signer", func(t *testing.T) {
		t.Parallel()
		signer, key := testSigner(t, "example-audio")
		manifest := signedManifest(t, testModule, "example-audio", key)

		level, err := StrictTrustPolicy(signer).EvaluateTrust(manifest, testModule)
		require.NoError(t, err)
		assert.Equal(t, TrustVerified, level)
	})

	t.Run("unsupported algorithm", func(t *testing.T) {
		t.Parallel()
		signer, key := testSigner(t, "example-audio")
		manifest := signedManifest(t, testModule, "example-audio", key)
		manifest.Signature.Algorithm = "rsa-sha2-512"

		_, err := StrictTrustPolicy(signer).EvaluateTrust(manifest, testModule)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported signature algorithm")
	})

	t.Run("unknown key id", func(t *testing.T) {
		t.Parallel()
		signer, key := testSigner(t, "example-audio")
		manifest := signedManifest(t, testModule, "someone-else", key)

		_, err := StrictTrustPolicy(signer).EvaluateTrust(manifest, testModule)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no signer with key id")
	})

	t.Run("signature data not base64", func(t *testing.T) {
		t.Parallel()
		signer, key := testSigner(t, "example-audio")
		manifest := signedManifest(t, testModule, "example-audio", key)
		manifest.Signature.Data = "!!not base64!!"

		_, err := StrictTrustPolicy(signer).EvaluateTrust(manifest, testModule)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "base64")
	})

	t.Run("signature over different module", func(t *testing.T) {
		t.Parallel()
		signer, key := testSigner(t, "example-audio")
		other := append([]byte{}, testModule...)
		other = append(other, 0xff)
		manifest := signedManifest(t, other, "example-audio", key)

		_, err := StrictTrustPolicy(signer).EvaluateTrust(manifest, testModule)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match module digest")
	})

	t.Run("signer key not parseable", func(t *testing.T) {
		t.Parallel()
		policy := StrictTrustPolicy(Signer{KeyID: "broken", PublicKey: "garbage"})
		_, key := testSigner(t, "broken")
		manifest := signedManifest(t, testModule, "broken", key)

		_, err := policy.EvaluateTrust(manifest, testModule)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid public key")
	})
}

func TestTrustPolicy_Enforce(t *testing.T) {
	t.Parallel()

	t.Run("level at minimum passes", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, DefaultTrustPolicy().Enforce(TrustCommunity))
	})

	t.Run("level above minimum passes", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, DefaultTrustPolicy().Enforce(TrustVerified))
	})

	t.Run("level below minimum fails", func(t *testing.T) {
		t.Parallel()
		signer, _ := testSigner(t, "example-audio")
		err := StrictTrustPolicy(signer).Enforce(TrustCommunity)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "below the required minimum")
	})
}

func TestVerifyChecksum(t *testing.T) {
	t.Parallel()

	t.Run("matching digest", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, VerifyChecksum(testModule, moduleChecksum(testModule)))
	})

	t.Run("uppercase expected digest", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, VerifyChecksum(testModule, strings.ToUpper(moduleChecksum(testModule))))
	})

	t.Run("mismatched digest", func(t *testing.T) {
		t.Parallel()
		other := strings.Repeat("ab", 32)
		err := VerifyChecksum(testModule, other)
		require.Error(t, err)
		assert.True(t, IsChecksumError(err))
	})

	t.Run("malformed expected digest", func(t *testing.T) {
		t.Parallel()
		err := VerifyChecksum(testModule, "short")
		require.Error(t, err)
		assert.False(t, IsChecksumError(err))
	})
}

func TestSignModuleDigest(t *testing.T) {
	t.Parallel()

	signer, key := testSigner(t, "example-audio")
	manifest := signedManifest(t, testModule, "example-audio", key)

	level, err := StrictTrustPolicy(signer).EvaluateTrust(manifest, testModule)
	require.NoError(t, err)
	assert.Equal(t, TrustVerified, level)
}
