package extension

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFilename is the manifest entry every package archive must contain.
const ManifestFilename = "extension.yaml"

// CapabilityNetwork grants the extension outbound HTTP through the host.
const CapabilityNetwork = "network"

// Manifest errors.
var (
	ErrManifestNotFound = errors.New("extension.yaml not found in package")
	ErrManifestInvalid  = errors.New("extension manifest invalid")
	ErrModuleNotFound   = errors.New("module not found in package")
)

// ManifestSignature is an optional detached signature over the module digest.
type ManifestSignature struct {
	// KeyID names the signer in the host trust policy.
	KeyID string `yaml:"keyId"`

	// Algorithm is the signature scheme; only "ssh-ed25519" is accepted.
	Algorithm string `yaml:"algorithm"`

	// Data is the base64-encoded raw signature over the module's SHA256
	// digest bytes.
	Data string `yaml:"data"`
}

// PackageManifest describes an extension package and its requirements.
type PackageManifest struct {
	// ID is the unique package identifier.
	ID string `yaml:"id"`

	// Name is the human-readable name.
	Name string `yaml:"name"`

	// Version is the monotonic release counter.
	Version int `yaml:"version"`

	// VersionString is the human-facing version label.
	VersionString string `yaml:"versionString,omitempty"`

	// MinHostVersion is the lowest host version the package supports.
	MinHostVersion string `yaml:"minHostVersion,omitempty"`

	// Description of what the extension provides.
	Description string `yaml:"description,omitempty"`

	// Developer identifies the publisher.
	Developer string `yaml:"developer,omitempty"`

	// Icon is the icon file name inside the package, if any.
	Icon string `yaml:"icon,omitempty"`

	// Module is the WASM module file name inside the package.
	Module string `yaml:"module"`

	// Checksum is the hex-encoded SHA256 of the module file.
	Checksum string `yaml:"checksum"`

	// Capabilities requested by the extension (e.g. "network").
	Capabilities []string `yaml:"capabilities,omitempty"`

	// Signature is an optional publisher signature over the module digest.
	Signature *ManifestSignature `yaml:"signature,omitempty"`
}

// ParseManifest decodes and validates a manifest document.
func ParseManifest(data []byte) (*PackageManifest, error) {
	var m PackageManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks structural requirements of the manifest.
func (m *PackageManifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrManifestInvalid)
	}
	// Composite media ids split on the first separator, so an id containing
	// one could never be routed back to its extension.
	if strings.Contains(m.ID, MediaIDSeparator) {
		return fmt.Errorf("%w: id must not contain %q", ErrManifestInvalid, MediaIDSeparator)
	}
	if m.Name == "" {
		return fmt.Errorf("%w: missing name", ErrManifestInvalid)
	}
	if m.Version < 1 {
		return fmt.Errorf("%w: version must be a positive integer", ErrManifestInvalid)
	}
	if m.Module == "" {
		return fmt.Errorf("%w: missing module", ErrManifestInvalid)
	}
	if err := checkChecksumFormat(m.Checksum); err != nil {
		return fmt.Errorf("%w: %w", ErrManifestInvalid, err)
	}
	if m.Signature != nil {
		if m.Signature.KeyID == "" || m.Signature.Data == "" {
			return fmt.Errorf("%w: incomplete signature block", ErrManifestInvalid)
		}
	}
	return nil
}

// HasCapability reports whether the manifest requests a capability.
func (m *PackageManifest) HasCapability(name string) bool {
	for _, c := range m.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Metadata converts the manifest into the package identity record.
func (m *PackageManifest) Metadata() PackageMetadata {
	return PackageMetadata{
		ID:             m.ID,
		Name:           m.Name,
		Version:        m.Version,
		VersionString:  m.VersionString,
		MinHostVersion: m.MinHostVersion,
		IconRef:        m.Icon,
	}
}

// checkChecksumFormat validates a hex-encoded SHA256 string.
func checkChecksumFormat(checksum string) error {
	if checksum == "" {
		return errors.New("checksum cannot be empty")
	}
	if len(checksum) != 64 {
		return fmt.Errorf("invalid checksum length: expected 64 characters (SHA256), got %d", len(checksum))
	}
	for i, c := range checksum {
		isHexDigit := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isHexDigit {
			return fmt.Errorf("invalid checksum character at position %d: %c", i, c)
		}
	}
	return nil
}

// ReadArchive reads a gzipped tar package archive into a map of entry name to
// contents. Entry names are flattened to their base form; nested paths and
// anything above maxBytes total are rejected.
func ReadArchive(data []byte, maxBytes int64) (map[string][]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("not a gzip archive: %w", err)
	}
	defer func() { _ = gr.Close() }()

	files := make(map[string][]byte)
	var total int64
	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if name == "." || name == ".." || path.IsAbs(name) {
			return nil, fmt.Errorf("invalid path in archive: %s", header.Name)
		}
		// Package layouts are flat; archives produced with a leading
		// directory component are accepted by their base name.
		name = path.Base(name)

		total += header.Size
		if maxBytes > 0 && total > maxBytes {
			return nil, fmt.Errorf("archive exceeds size limit of %d bytes", maxBytes)
		}

		content, err := io.ReadAll(io.LimitReader(tr, header.Size))
		if err != nil {
			return nil, fmt.Errorf("reading archive entry %s: %w", name, err)
		}
		files[name] = content
	}

	return files, nil
}

// ReadPackage extracts and validates the manifest and module from a package
// archive.
func ReadPackage(data []byte, maxBytes int64) (*PackageManifest, []byte, error) {
	files, err := ReadArchive(data, maxBytes)
	if err != nil {
		return nil, nil, err
	}

	manifestData, ok := files[ManifestFilename]
	if !ok {
		return nil, nil, ErrManifestNotFound
	}
	manifest, err := ParseManifest(manifestData)
	if err != nil {
		return nil, nil, err
	}

	module, ok := files[path.Base(manifest.Module)]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrModuleNotFound, manifest.Module)
	}

	return manifest, module, nil
}
