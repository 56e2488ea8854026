package extension

import "golang.org/x/mod/semver"

// normalizeVersion ensures a version has the "v" prefix semver comparison
// expects.
func normalizeVersion(v string) string {
	if v == "" {
		return ""
	}
	if v[0] != 'v' {
		return "v" + v
	}
	return v
}

// HostCompatible reports whether a running host version satisfies a package's
// declared minimum. An empty minimum means no requirement. Versions that do
// not parse as semver (development builds, malformed repository values) never
// block an install; the trust checks stay in effect regardless.
func HostCompatible(hostVersion, minHostVersion string) bool {
	if minHostVersion == "" {
		return true
	}

	host := normalizeVersion(hostVersion)
	min := normalizeVersion(minHostVersion)
	if !semver.IsValid(host) || !semver.IsValid(min) {
		return true
	}

	return semver.Compare(host, min) >= 0
}
