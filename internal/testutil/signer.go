package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/felixgeelhaar/cadence/internal/domain/extension"
)

// Signer is a throwaway ed25519 publisher identity for signing test
// packages.
type Signer struct {
	KeyID     string
	PublicKey string

	key ed25519.PrivateKey
}

// NewSigner generates a signer whose public key is in OpenSSH
// authorized-keys form, as trust policies expect.
func NewSigner(t *testing.T, keyID string) *Signer {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	return &Signer{
		KeyID:     keyID,
		PublicKey: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))),
		key:       priv,
	}
}

// Sign produces a manifest signature over the module digest.
func (s *Signer) Sign(module []byte) *extension.ManifestSignature {
	return &extension.ManifestSignature{
		KeyID:     s.KeyID,
		Algorithm: extension.SignatureAlgorithm,
		Data:      extension.SignModuleDigest(s.key, module),
	}
}

// TrustPolicy builds a policy that accepts this signer.
func (s *Signer) TrustPolicy(minLevel extension.TrustLevel, allowUnsigned bool) extension.TrustPolicy {
	return extension.TrustPolicy{
		MinLevel:      minLevel,
		AllowUnsigned: allowUnsigned,
		Signers: []extension.Signer{
			{KeyID: s.KeyID, PublicKey: s.PublicKey},
		},
	}
}
