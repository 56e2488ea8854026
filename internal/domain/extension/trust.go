package extension

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/crypto/ssh"
)

// TrustLevel indicates how much the host trusts a package's origin.
type TrustLevel string

const (
	// TrustVerified: the module carries a valid signature from a key listed
	// in the host trust policy.
	TrustVerified TrustLevel = "verified"
	// TrustCommunity: the module digest matches its manifest but no
	// publisher signature was verified.
	TrustCommunity TrustLevel = "community"
	// TrustUntrusted: no integrity guarantee at all.
	TrustUntrusted TrustLevel = "untrusted"
)

// TrustLevelOrder returns the numeric order of a trust level (higher = more
// trusted).
func TrustLevelOrder(level TrustLevel) int {
	switch level {
	case TrustVerified:
		return 3
	case TrustCommunity:
		return 2
	case TrustUntrusted:
		return 1
	default:
		return 0
	}
}

// SignatureAlgorithm is the only accepted signature scheme.
const SignatureAlgorithm = "ssh-ed25519"

// Signer is one trusted publisher key in the trust policy.
type Signer struct {
	// KeyID matches the keyId field of package signatures.
	KeyID string `toml:"key_id"`

	// PublicKey is the signer key in OpenSSH authorized-keys format
	// (ssh-ed25519 only).
	PublicKey string `toml:"public_key"`
}

// TrustPolicy defines what packages the host accepts.
type TrustPolicy struct {
	// MinLevel is the minimum trust level required to install.
	MinLevel TrustLevel `toml:"min_level"`

	// AllowUnsigned permits packages without a publisher signature. When
	// false, anything unsigned fails validation regardless of MinLevel.
	AllowUnsigned bool `toml:"allow_unsigned"`

	// Signers lists the publisher keys accepted for verified status.
	Signers []Signer `toml:"signers"`
}

// DefaultTrustPolicy accepts checksum-intact community packages.
func DefaultTrustPolicy() TrustPolicy {
	return TrustPolicy{
		MinLevel:      TrustCommunity,
		AllowUnsigned: true,
	}
}

// StrictTrustPolicy only accepts packages signed by a listed key.
func StrictTrustPolicy(signers ...Signer) TrustPolicy {
	return TrustPolicy{
		MinLevel:      TrustVerified,
		AllowUnsigned: false,
		Signers:       signers,
	}
}

// LoadTrustPolicy reads a trust policy from a TOML file. A missing file
// yields the default policy.
func LoadTrustPolicy(path string) (TrustPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultTrustPolicy(), nil
		}
		return TrustPolicy{}, fmt.Errorf("reading trust policy: %w", err)
	}

	policy := DefaultTrustPolicy()
	if err := toml.Unmarshal(data, &policy); err != nil {
		return TrustPolicy{}, fmt.Errorf("parsing trust policy: %w", err)
	}
	if policy.MinLevel == "" {
		policy.MinLevel = TrustCommunity
	}
	if TrustLevelOrder(policy.MinLevel) == 0 {
		return TrustPolicy{}, fmt.Errorf("unknown trust level %q in policy", policy.MinLevel)
	}
	return policy, nil
}

// signerKey resolves a key id to its ed25519 public key.
func (p TrustPolicy) signerKey(keyID string) (ed25519.PublicKey, error) {
	for _, s := range p.Signers {
		if s.KeyID != keyID {
			continue
		}
		parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("signer %s: invalid public key: %w", keyID, err)
		}
		cryptoKey, ok := parsed.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("signer %s: unsupported key type %s", keyID, parsed.Type())
		}
		edKey, ok := cryptoKey.CryptoPublicKey().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("signer %s: key is not ed25519", keyID)
		}
		return edKey, nil
	}
	return nil, fmt.Errorf("no signer with key id %q in trust policy", keyID)
}

// EvaluateTrust determines the trust level of a package whose module digest
// already matched its manifest. It returns an error only for definite policy
// violations (unsigned when signatures are required, unknown key, bad
// signature).
func (p TrustPolicy) EvaluateTrust(manifest *PackageManifest, module []byte) (TrustLevel, error) {
	sig := manifest.Signature
	if sig == nil {
		if !p.AllowUnsigned {
			return TrustUntrusted, errors.New("package is unsigned and the trust policy requires a signature")
		}
		return TrustCommunity, nil
	}

	if sig.Algorithm != "" && sig.Algorithm != SignatureAlgorithm {
		return TrustUntrusted, fmt.Errorf("unsupported signature algorithm %q", sig.Algorithm)
	}

	key, err := p.signerKey(sig.KeyID)
	if err != nil {
		return TrustUntrusted, err
	}

	raw, err := base64.StdEncoding.DecodeString(sig.Data)
	if err != nil {
		return TrustUntrusted, fmt.Errorf("signature is not valid base64: %w", err)
	}

	digest := sha256.Sum256(module)
	if !ed25519.Verify(key, digest[:], raw) {
		return TrustUntrusted, fmt.Errorf("signature by %s does not match module digest", sig.KeyID)
	}

	return TrustVerified, nil
}

// Enforce checks a determined trust level against the policy minimum.
func (p TrustPolicy) Enforce(level TrustLevel) error {
	if TrustLevelOrder(level) < TrustLevelOrder(p.MinLevel) {
		return fmt.Errorf("trust level %q is below the required minimum %q", level, p.MinLevel)
	}
	return nil
}

// VerifyChecksum verifies a module's SHA256 digest against the hex-encoded
// checksum declared in its manifest. Comparison is constant-time.
func VerifyChecksum(module []byte, expected string) error {
	if err := checkChecksumFormat(expected); err != nil {
		return err
	}

	hash := sha256.Sum256(module)
	actual := hex.EncodeToString(hash[:])

	if subtle.ConstantTimeCompare([]byte(actual), []byte(strings.ToLower(expected))) != 1 {
		return &ChecksumError{Expected: expected, Actual: actual}
	}
	return nil
}

// SignModuleDigest signs a module's SHA256 digest with an ed25519 private
// key, producing the base64 signature data packages embed in their manifest.
// Used by packaging tooling and tests.
func SignModuleDigest(key ed25519.PrivateKey, module []byte) string {
	digest := sha256.Sum256(module)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, digest[:]))
}
