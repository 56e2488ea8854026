package extension

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/cadence/internal/adapters/logging"
)

func newTestValidator(policy TrustPolicy) *Validator {
	return NewValidator("1.2.0", policy, 0, logging.NewNopLogger())
}

func TestValidator_Validate(t *testing.T) {
	t.Parallel()

	t.Run("accepts a well-formed package", func(t *testing.T) {
		t.Parallel()
		archive := buildPackage(t, testManifest(testModule), testModule)

		result, err := newTestValidator(DefaultTrustPolicy()).Validate(context.Background(), archive, "")
		require.NoError(t, err)
		assert.Equal(t, "com.example.soundwave", result.Manifest.ID)
		assert.Equal(t, testModule, result.Module)
		assert.Equal(t, TrustCommunity, result.Trust)
	})

	t.Run("accepts when declared id matches expected", func(t *testing.T) {
		t.Parallel()
		archive := buildPackage(t, testManifest(testModule), testModule)

		_, err := newTestValidator(DefaultTrustPolicy()).Validate(context.Background(), archive, "com.example.soundwave")
		assert.NoError(t, err)
	})

	t.Run("rejects garbage as malformed", func(t *testing.T) {
		t.Parallel()
		_, err := newTestValidator(DefaultTrustPolicy()).Validate(context.Background(), []byte("not an archive"), "")
		kind, ok := ValidationKindOf(err)
		require.True(t, ok)
		assert.Equal(t, MalformedPackage, kind)
	})

	t.Run("rejects module without wasm preamble as malformed", func(t *testing.T) {
		t.Parallel()
		notWASM := []byte("#!/bin/sh\necho hi\n")
		m := testManifest(notWASM)
		archive := buildPackage(t, m, notWASM)

		_, err := newTestValidator(DefaultTrustPolicy()).Validate(context.Background(), archive, "")
		kind, ok := ValidationKindOf(err)
		require.True(t, ok)
		assert.Equal(t, MalformedPackage, kind)
		assert.Contains(t, err.Error(), "not a WebAssembly module")
	})

	t.Run("rejects id mismatch as malformed", func(t *testing.T) {
		t.Parallel()
		archive := buildPackage(t, testManifest(testModule), testModule)

		_, err := newTestValidator(DefaultTrustPolicy()).Validate(context.Background(), archive, "com.example.other")
		kind, ok := ValidationKindOf(err)
		require.True(t, ok)
		assert.Equal(t, MalformedPackage, kind)
	})

	t.Run("rejects package requiring newer host", func(t *testing.T) {
		t.Parallel()
		m := testManifest(testModule)
		m.MinHostVersion = "9.0.0"
		archive := buildPackage(t, m, testModule)

		_, err := newTestValidator(DefaultTrustPolicy()).Validate(context.Background(), archive, "")
		kind, ok := ValidationKindOf(err)
		require.True(t, ok)
		assert.Equal(t, IncompatibleHost, kind)
		assert.Contains(t, err.Error(), "9.0.0")
	})

	t.Run("rejects tampered module as untrusted", func(t *testing.T) {
		t.Parallel()
		m := testManifest(testModule)
		tampered := append([]byte{}, testModule...)
		tampered[len(tampered)-1] ^= 0xff
		archive := buildArchive(t, map[string][]byte{
			ManifestFilename: mustMarshalManifest(t, m),
			m.Module:         tampered,
		})

		_, err := newTestValidator(DefaultTrustPolicy()).Validate(context.Background(), archive, "")
		kind, ok := ValidationKindOf(err)
		require.True(t, ok)
		assert.Equal(t, UntrustedSource, kind)
		assert.True(t, IsChecksumError(err))
	})

	t.Run("rejects unsigned package under strict policy", func(t *testing.T) {
		t.Parallel()
		signer, _ := testSigner(t, "example-audio")
		archive := buildPackage(t, testManifest(testModule), testModule)

		_, err := newTestValidator(StrictTrustPolicy(signer)).Validate(context.Background(), archive, "")
		kind, ok := ValidationKindOf(err)
		require.True(t, ok)
		assert.Equal(t, UntrustedSource, kind)
	})

	t.Run("accepts signed package under strict policy", func(t *testing.T) {
		t.Parallel()
		signer, key := testSigner(t, "example-audio")
		manifest := signedManifest(t, testModule, "example-audio", key)
		archive := buildPackage(t, manifest, testModule)

		result, err := newTestValidator(StrictTrustPolicy(signer)).Validate(context.Background(), archive, "")
		require.NoError(t, err)
		assert.Equal(t, TrustVerified, result.Trust)
	})

	t.Run("malformed package wins over incompatible host", func(t *testing.T) {
		t.Parallel()
		m := testManifest(testModule)
		m.MinHostVersion = "9.0.0"
		m.ID = ""
		archive := buildPackage(t, m, testModule)

		_, err := newTestValidator(DefaultTrustPolicy()).Validate(context.Background(), archive, "")
		kind, ok := ValidationKindOf(err)
		require.True(t, ok)
		assert.Equal(t, MalformedPackage, kind)
	})

	t.Run("incompatible host wins over untrusted source", func(t *testing.T) {
		t.Parallel()
		signer, _ := testSigner(t, "example-audio")
		m := testManifest(testModule)
		m.MinHostVersion = "9.0.0"
		archive := buildPackage(t, m, testModule)

		_, err := newTestValidator(StrictTrustPolicy(signer)).Validate(context.Background(), archive, "")
		kind, ok := ValidationKindOf(err)
		require.True(t, ok)
		assert.Equal(t, IncompatibleHost, kind)
	})
}

func TestValidator_ValidateFile(t *testing.T) {
	t.Parallel()

	t.Run("valid artifact on disk", func(t *testing.T) {
		t.Parallel()
		archive := buildPackage(t, testManifest(testModule), testModule)
		path := filepath.Join(t.TempDir(), "soundwave.cadx")
		require.NoError(t, os.WriteFile(path, archive, 0o644))

		result, err := newTestValidator(DefaultTrustPolicy()).ValidateFile(context.Background(), path, "com.example.soundwave")
		require.NoError(t, err)
		assert.Equal(t, "com.example.soundwave", result.Manifest.ID)
	})

	t.Run("missing artifact is malformed", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "absent.cadx")

		_, err := newTestValidator(DefaultTrustPolicy()).ValidateFile(context.Background(), path, "")
		kind, ok := ValidationKindOf(err)
		require.True(t, ok)
		assert.Equal(t, MalformedPackage, kind)
	})
}
