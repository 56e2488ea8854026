// Package testutil provides shared builders and helpers for cadence tests.
package testutil

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/cadence/internal/domain/extension"
)

// PackageBuilder assembles extension package archives for tests. The zero
// configuration produces a well-formed, unsigned package whose module is a
// minimal WASM blob.
type PackageBuilder struct {
	manifest extension.PackageManifest
	module   []byte
	extra    map[string][]byte
	signer   *Signer
	checksum string
}

// NewPackageBuilder creates a builder for a package with the given id.
func NewPackageBuilder(id string) *PackageBuilder {
	module := append([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, []byte(id)...)
	return &PackageBuilder{
		manifest: extension.PackageManifest{
			ID:            id,
			Name:          "Test Extension",
			Version:       1,
			VersionString: "1.0.0",
			Module:        "extension.wasm",
		},
		module: module,
		extra:  make(map[string][]byte),
	}
}

// WithName sets the human-readable name.
func (b *PackageBuilder) WithName(name string) *PackageBuilder {
	b.manifest.Name = name
	return b
}

// WithVersion sets the release counter and version label.
func (b *PackageBuilder) WithVersion(version int, versionString string) *PackageBuilder {
	b.manifest.Version = version
	b.manifest.VersionString = versionString
	return b
}

// WithMinHostVersion sets the minimum supported host version.
func (b *PackageBuilder) WithMinHostVersion(version string) *PackageBuilder {
	b.manifest.MinHostVersion = version
	return b
}

// WithModule replaces the module bytes.
func (b *PackageBuilder) WithModule(module []byte) *PackageBuilder {
	b.module = module
	return b
}

// WithCapabilities sets the requested capabilities.
func (b *PackageBuilder) WithCapabilities(caps ...string) *PackageBuilder {
	b.manifest.Capabilities = caps
	return b
}

// WithSigner signs the package with the given test signer at build time.
func (b *PackageBuilder) WithSigner(signer *Signer) *PackageBuilder {
	b.signer = signer
	return b
}

// WithChecksum overrides the computed module checksum, for tamper scenarios.
func (b *PackageBuilder) WithChecksum(checksum string) *PackageBuilder {
	b.checksum = checksum
	return b
}

// WithFile adds an extra file to the archive.
func (b *PackageBuilder) WithFile(name string, content []byte) *PackageBuilder {
	b.extra[name] = content
	return b
}

// Module returns the module bytes the archive will carry.
func (b *PackageBuilder) Module() []byte {
	return append([]byte(nil), b.module...)
}

// Manifest returns the manifest as it will be serialized, checksum and
// signature included.
func (b *PackageBuilder) Manifest() extension.PackageManifest {
	m := b.manifest
	m.Checksum = b.checksum
	if m.Checksum == "" {
		sum := sha256.Sum256(b.module)
		m.Checksum = hex.EncodeToString(sum[:])
	}
	if b.signer != nil {
		m.Signature = b.signer.Sign(b.module)
	}
	return m
}

// Archive builds the gzipped tar package archive.
func (b *PackageBuilder) Archive(t *testing.T) []byte {
	t.Helper()

	manifest := b.Manifest()
	manifestData, err := yaml.Marshal(&manifest)
	require.NoError(t, err)

	files := map[string][]byte{
		extension.ManifestFilename: manifestData,
		manifest.Module:            b.module,
	}
	for name, content := range b.extra {
		files[name] = content
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, name := range names {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(files[name])),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

// WriteArchive builds the archive and writes it to path.
func (b *PackageBuilder) WriteArchive(t *testing.T, path string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, b.Archive(t), 0o644))
}
