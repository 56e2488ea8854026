// Package extension defines the core types of the extension management
// subsystem: package identity, installed records, the capability interface
// exposed by loaded extensions, and the shared error taxonomy.
package extension

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle status of an installed extension.
type Status string

const (
	// StatusInstalled means the extension is installed and activated at startup.
	StatusInstalled Status = "installed"
	// StatusDisabled means the extension stays installed on disk but is not loaded.
	StatusDisabled Status = "disabled"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	return s == StatusInstalled || s == StatusDisabled
}

// PackageMetadata is the immutable identity of an extension package.
type PackageMetadata struct {
	// ID is the unique, stable package identifier (e.g. "com.example.soundwave").
	ID string `json:"id"`

	// Name is the human-readable name.
	Name string `json:"name"`

	// Version is the monotonically increasing release counter.
	Version int `json:"version"`

	// VersionString is the human-facing version label. It is also the
	// comparison key for update checks when present.
	VersionString string `json:"version_string,omitempty"`

	// MinHostVersion is the lowest host version the package supports.
	MinHostVersion string `json:"min_host_version,omitempty"`

	// IconRef references the package icon (a file inside the install
	// directory once installed).
	IconRef string `json:"icon_ref,omitempty"`
}

// ComparisonVersion returns the string compared against repository-advertised
// versions. Falls back to the numeric version when no version string is set.
func (m PackageMetadata) ComparisonVersion() string {
	if m.VersionString != "" {
		return m.VersionString
	}
	return strconv.Itoa(m.Version)
}

// InstalledPackage is the durable record of one installed extension.
// Exactly one record exists per package id.
type InstalledPackage struct {
	Metadata    PackageMetadata `json:"metadata"`
	Status      Status          `json:"status"`
	InstallPath string          `json:"install_path"`
	InstalledAt time.Time       `json:"installed_at"`
}

// Disabled reports whether the record is installed but not activated.
func (p InstalledPackage) Disabled() bool {
	return p.Status == StatusDisabled
}

// SearchResult is one track returned by an extension's search capability.
// Field names follow the capability ABI wire format.
type SearchResult struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist,omitempty"`
	Album      string `json:"album,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	ArtworkURL string `json:"artworkUrl,omitempty"`
}

// Handle is the in-process, callable instance produced by the loader for a
// validated package. The playback/search layer only ever calls Search and
// ResolveStream across this boundary.
type Handle interface {
	// ID returns the package id the handle was loaded for.
	ID() string

	// Metadata returns the identity of the loaded package.
	Metadata() PackageMetadata

	// Search queries the extension's source for tracks.
	Search(ctx context.Context, query string) ([]SearchResult, error)

	// ResolveStream resolves an extension-local track id to a playable URL.
	ResolveStream(ctx context.Context, trackID string) (string, error)

	// Close releases the handle. It must return within a bounded time even
	// if the extension's code is unresponsive.
	Close(ctx context.Context) error
}

// MediaIDSeparator joins an extension id and a track id into a composite
// media identifier used as an opaque routing key by the playback layer.
const MediaIDSeparator = ":"

// MediaID builds the composite media identifier for a track owned by an
// extension.
func MediaID(extensionID, trackID string) string {
	return extensionID + MediaIDSeparator + trackID
}

// SplitMediaID splits a composite media identifier into its extension id and
// extension-local track id. Track ids may themselves contain the separator,
// so only the first occurrence splits.
func SplitMediaID(mediaID string) (extensionID, trackID string, ok bool) {
	extensionID, trackID, ok = strings.Cut(mediaID, MediaIDSeparator)
	if !ok || extensionID == "" || trackID == "" {
		return "", "", false
	}
	return extensionID, trackID, true
}
