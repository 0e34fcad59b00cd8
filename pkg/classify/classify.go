// Package classify implements the security classification of available
// updates. Classification is deterministic and side-effect-free: it
// drives catalog ordering and summary wording but never mutates input.
package classify

import (
	"regexp"

	"github.com/pkgpatrol/pkgpatrol/pkg/updates"
)

// cvePattern matches CVE identifiers in free-text changelogs.
var cvePattern = regexp.MustCompile(`CVE-\d{4}-\d+`)

// IsSecurity reports whether an update is security-relevant: a declared
// security severity, explicit CVE ids, or a changelog mentioning a CVE
// identifier all qualify.
func IsSecurity(u updates.UpdateInfo) bool {
	if u.Severity == updates.SeveritySecurity {
		return true
	}
	if len(u.CVEs) > 0 {
		return true
	}
	return cvePattern.MatchString(u.Changelog)
}

// DerivedCVEs returns the explicit CVE ids followed by ids extracted from
// the changelog text, in document order, without duplicates.
func DerivedCVEs(u updates.UpdateInfo) []string {
	seen := make(map[string]struct{}, len(u.CVEs))
	out := make([]string, 0, len(u.CVEs))
	for _, id := range u.CVEs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range cvePattern.FindAllString(u.Changelog, -1) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
