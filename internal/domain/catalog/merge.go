package catalog

import (
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/felixgeelhaar/cadence/internal/domain/extension"
)

// Merged is the cross-repository view of advertised packages, rebuilt on
// every catalog sync.
type Merged struct {
	packages []RemotePackageInfo
	byID     map[string][]RemotePackageInfo
}

// NewMerged builds a merged catalog from per-repository package lists.
// Ordering is deterministic: id, then numeric version descending, then
// repository URL.
func NewMerged(packages []RemotePackageInfo) *Merged {
	sorted := make([]RemotePackageInfo, len(packages))
	copy(sorted, packages)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		av, aok := numericVersion(a.Version)
		bv, bok := numericVersion(b.Version)
		if aok && bok && av != bv {
			return av > bv
		}
		if a.Version != b.Version {
			return a.Version > b.Version
		}
		return a.RepositoryURL < b.RepositoryURL
	})

	byID := make(map[string][]RemotePackageInfo)
	for _, p := range sorted {
		byID[p.ID] = append(byID[p.ID], p)
	}

	return &Merged{packages: sorted, byID: byID}
}

// Packages returns all advertised packages.
func (m *Merged) Packages() []RemotePackageInfo {
	out := make([]RemotePackageInfo, len(m.packages))
	copy(out, m.packages)
	return out
}

// ByID returns every repository entry advertising the given id.
func (m *Merged) ByID(id string) []RemotePackageInfo {
	entries := m.byID[id]
	out := make([]RemotePackageInfo, len(entries))
	copy(out, entries)
	return out
}

// PickForUpdate selects the repository entry an update of the installed
// package should come from: the first advertised entry whose version differs
// from the installed comparison key, in merged order. ok is false when no
// repository advertises the id or no entry differs.
func (m *Merged) PickForUpdate(installed extension.PackageMetadata) (RemotePackageInfo, bool) {
	current := installed.ComparisonVersion()
	for _, entry := range m.byID[installed.ID] {
		if entry.Version != current {
			return entry, true
		}
	}
	return RemotePackageInfo{}, false
}

// UpdateStatuses derives the update status of every installed package that
// appears in the merged catalog.
func (m *Merged) UpdateStatuses(installed []extension.InstalledPackage) map[string]UpdateStatus {
	statuses := make(map[string]UpdateStatus)
	for _, rec := range installed {
		entries := m.byID[rec.Metadata.ID]
		if len(entries) == 0 {
			continue
		}
		if picked, ok := m.PickForUpdate(rec.Metadata); ok {
			statuses[rec.Metadata.ID] = DeriveUpdateStatus(rec.Metadata, picked)
			continue
		}
		statuses[rec.Metadata.ID] = DeriveUpdateStatus(rec.Metadata, entries[0])
	}
	return statuses
}

// Search returns packages whose id, name, developer, or description contains
// the query, compared case-insensitively with Unicode case folding.
func (m *Merged) Search(query string) []RemotePackageInfo {
	folder := cases.Fold()
	needle := folder.String(strings.TrimSpace(query))
	if needle == "" {
		return m.Packages()
	}

	var out []RemotePackageInfo
	for _, p := range m.packages {
		haystack := folder.String(p.ID + " " + p.Name + " " + p.Developer + " " + p.Description)
		if strings.Contains(haystack, needle) {
			out = append(out, p)
		}
	}
	return out
}

// numericVersion parses a repository version string as the monotonic release
// counter when possible.
func numericVersion(v string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}
