// Package catalog implements the repository protocol: fetching manifests,
// downloading package artifacts, and deriving update status for installed
// extensions.
package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/felixgeelhaar/cadence/internal/domain/extension"
)

// RemotePackageInfo describes one package advertised by a repository.
// Ephemeral: rebuilt on every catalog sync, cached only for offline display.
type RemotePackageInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	DownloadURL string `json:"downloadUrl"`
	IconURL     string `json:"iconUrl,omitempty"`
	Developer   string `json:"developer,omitempty"`

	// MinAppVersion is the repository's advisory host requirement; the
	// package's own manifest is authoritative at validation time.
	MinAppVersion string `json:"minAppVersion,omitempty"`

	// RepositoryURL is the owning repository, set by the client after
	// fetching. Not part of the wire format.
	RepositoryURL string `json:"-"`
}

// RepositoryManifest is the catalog document a repository serves.
type RepositoryManifest struct {
	Name       string              `json:"name"`
	Version    string              `json:"version"`
	Extensions []RemotePackageInfo `json:"extensions"`
}

// ParseManifest decodes a repository manifest. Incomplete entries fail the
// whole manifest; a manifest is applied completely or not at all.
func ParseManifest(data []byte) (*RepositoryManifest, error) {
	var m RepositoryManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing repository manifest: %w", err)
	}
	for i, e := range m.Extensions {
		if e.ID == "" {
			return nil, fmt.Errorf("manifest entry %d: missing id", i)
		}
		if e.Version == "" {
			return nil, fmt.Errorf("manifest entry %s: missing version", e.ID)
		}
		if e.DownloadURL == "" {
			return nil, fmt.Errorf("manifest entry %s: missing downloadUrl", e.ID)
		}
	}
	return &m, nil
}

// UpdateStatus is the per-installed-id result of an update check.
type UpdateStatus struct {
	PackageID        string `json:"package_id"`
	HasUpdate        bool   `json:"has_update"`
	AvailableVersion string `json:"available_version,omitempty"`
	RepositoryURL    string `json:"repository_url,omitempty"`
}

// DeriveUpdateStatus compares an installed package against a repository
// entry. Any version-string difference counts as an update; the repository is
// authoritative, there is no semantic ordering involved.
func DeriveUpdateStatus(installed extension.PackageMetadata, remote RemotePackageInfo) UpdateStatus {
	return UpdateStatus{
		PackageID:        installed.ID,
		HasUpdate:        installed.ComparisonVersion() != remote.Version,
		AvailableVersion: remote.Version,
		RepositoryURL:    remote.RepositoryURL,
	}
}
