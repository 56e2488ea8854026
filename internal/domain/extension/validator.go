package extension

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/felixgeelhaar/cadence/internal/ports"
)

// wasmMagic is the 4-byte preamble every WebAssembly module starts with.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// ValidationResult is the verdict on an accepted package artifact.
type ValidationResult struct {
	// Manifest is the parsed package manifest.
	Manifest *PackageManifest

	// Module is the verified WASM module bytes.
	Module []byte

	// Trust is the determined trust level.
	Trust TrustLevel
}

// Validator verifies a downloaded package before it is ever handed to the
// loader. Checks run in a fixed order and stop at the first failure:
// well-formedness, host compatibility, then integrity and trust.
type Validator struct {
	hostVersion string
	policy      TrustPolicy
	maxBytes    int64
	logger      ports.Logger
}

// NewValidator creates a validator for the given running host version.
func NewValidator(hostVersion string, policy TrustPolicy, maxBytes int64, logger ports.Logger) *Validator {
	return &Validator{
		hostVersion: hostVersion,
		policy:      policy,
		maxBytes:    maxBytes,
		logger:      logger.With(ports.F("component", "validator")),
	}
}

// ValidateFile validates a package artifact on disk.
func (v *Validator) ValidateFile(ctx context.Context, path string, expectedID string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ValidationError{Kind: MalformedPackage, Detail: "artifact unreadable", Err: err}
	}
	return v.Validate(ctx, data, expectedID)
}

// Validate validates a package artifact held in memory. expectedID, when
// non-empty, pins the id the artifact must declare. A returned error is
// always a *ValidationError; a validated package is safe to extract and load.
func (v *Validator) Validate(ctx context.Context, artifact []byte, expectedID string) (*ValidationResult, error) {
	// (a) well-formed package of the expected binary format
	manifest, module, err := ReadPackage(artifact, v.maxBytes)
	if err != nil {
		return nil, &ValidationError{Kind: MalformedPackage, Detail: "unreadable package", Err: err}
	}
	if !bytes.HasPrefix(module, wasmMagic) {
		return nil, &ValidationError{
			Kind:   MalformedPackage,
			Detail: fmt.Sprintf("%s is not a WebAssembly module", manifest.Module),
		}
	}
	if expectedID != "" && manifest.ID != expectedID {
		return nil, &ValidationError{
			Kind:   MalformedPackage,
			Detail: fmt.Sprintf("package declares id %q, expected %q", manifest.ID, expectedID),
		}
	}

	// (b) declared minHostVersion is satisfied by the running host
	if !HostCompatible(v.hostVersion, manifest.MinHostVersion) {
		return nil, &ValidationError{
			Kind:   IncompatibleHost,
			Detail: fmt.Sprintf("requires host %s or newer, running %s", manifest.MinHostVersion, v.hostVersion),
		}
	}

	// (c) integrity and signing/origin trust policy
	if err := VerifyChecksum(module, manifest.Checksum); err != nil {
		return nil, &ValidationError{Kind: UntrustedSource, Detail: "module digest mismatch", Err: err}
	}
	level, err := v.policy.EvaluateTrust(manifest, module)
	if err != nil {
		return nil, &ValidationError{Kind: UntrustedSource, Detail: "signature rejected", Err: err}
	}
	if err := v.policy.Enforce(level); err != nil {
		return nil, &ValidationError{Kind: UntrustedSource, Detail: "trust policy not met", Err: err}
	}

	v.logger.Debug(ctx, "package validated",
		ports.F("id", manifest.ID),
		ports.F("version", manifest.Version),
		ports.F("trust", string(level)))

	return &ValidationResult{Manifest: manifest, Module: module, Trust: level}, nil
}
