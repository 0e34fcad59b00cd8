// Package catalog builds the observer-visible view of available updates:
// rows grouped by source package and target version, security rows first,
// with reversible truncation of long package lists and changelogs.
package catalog

import (
	"sort"

	"github.com/pkgpatrol/pkgpatrol/pkg/classify"
	"github.com/pkgpatrol/pkgpatrol/pkg/updates"
)

// Thresholds bound how much of a row is shown before truncation.
type Thresholds struct {
	// MaxPackagesPerRow is the number of binary packages shown per row
	// before the remainder is hidden behind a reveal.
	MaxPackagesPerRow int

	// MaxChangelogRunes is the changelog length shown before truncation.
	MaxChangelogRunes int
}

// DefaultThresholds returns the stock truncation limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxPackagesPerRow: 8,
		MaxChangelogRunes: 600,
	}
}

// Row is one display row: all binary packages of a source package moving
// to the same target version.
type Row struct {
	// Source is the source package name, the row's primary name.
	Source string `json:"source"`

	// Version is the target version shared by the row's packages.
	Version string `json:"version"`

	// Packages are the visible binary packages, sorted by name.
	Packages []updates.PackageRef `json:"packages"`

	// HiddenPackages counts packages hidden by truncation.
	HiddenPackages int `json:"hidden_packages,omitempty"`

	// Security marks the row as security-relevant.
	Security bool `json:"security"`

	// CVEs are the declared plus changelog-derived CVE ids for the row.
	CVEs []string `json:"cves,omitempty"`

	// BugRefs are the referenced bug ids for the row, ascending.
	BugRefs []int `json:"bug_refs,omitempty"`

	// Changelog is the (possibly truncated) changelog text.
	Changelog string `json:"changelog,omitempty"`

	// ChangelogTruncated marks a shortened changelog.
	ChangelogTruncated bool `json:"changelog_truncated,omitempty"`
}

// rowKey identifies a row by its grouping key.
type rowKey struct {
	source  string
	version string
}

// group holds the full, untruncated data backing one row.
type group struct {
	key      rowKey
	packages []updates.PackageRef
	upd      []updates.UpdateInfo
	security bool
	cves     []string
	bugRefs  []int
	log      string
}

// Catalog is the grouped, ordered, truncated view over raw updates.
type Catalog struct {
	thresholds Thresholds
	groups     []*group
	revealed   map[rowKey]bool
}

// Build groups raw updates into rows and fixes their presentation order:
// security rows first, alphabetical by source name within each half.
// The result is stable regardless of input order.
func Build(raw []updates.UpdateInfo, t Thresholds) *Catalog {
	if t.MaxPackagesPerRow <= 0 || t.MaxChangelogRunes <= 0 {
		t = DefaultThresholds()
	}

	byKey := make(map[rowKey]*group)
	var order []*group
	for _, u := range raw {
		key := rowKey{source: u.Package.Source, version: u.CandidateVersion}
		g, ok := byKey[key]
		if !ok {
			g = &group{key: key}
			byKey[key] = g
			order = append(order, g)
		}
		g.packages = append(g.packages, u.Package)
		g.upd = append(g.upd, u)
		if classify.IsSecurity(u) {
			g.security = true
		}
		g.cves = mergeCVEs(g.cves, classify.DerivedCVEs(u))
		g.bugRefs = mergeBugRefs(g.bugRefs, u.BugRefs)
		if g.log == "" {
			g.log = u.Changelog
		}
	}

	for _, g := range order {
		sort.Slice(g.packages, func(i, j int) bool {
			return g.packages[i].Name < g.packages[j].Name
		})
		sort.Ints(g.bugRefs)
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].security != order[j].security {
			return order[i].security
		}
		if order[i].key.source != order[j].key.source {
			return order[i].key.source < order[j].key.source
		}
		return order[i].key.version < order[j].key.version
	})

	return &Catalog{
		thresholds: t,
		groups:     order,
		revealed:   make(map[rowKey]bool),
	}
}

// Rows returns the presentation rows in catalog order, applying
// truncation unless the row has been revealed.
func (c *Catalog) Rows() []Row {
	rows := make([]Row, 0, len(c.groups))
	for _, g := range c.groups {
		row := Row{
			Source:   g.key.source,
			Version:  g.key.version,
			Security: g.security,
			CVEs:     append([]string(nil), g.cves...),
			BugRefs:  append([]int(nil), g.bugRefs...),
		}

		pkgs := g.packages
		if !c.revealed[g.key] && len(pkgs) > c.thresholds.MaxPackagesPerRow {
			row.HiddenPackages = len(pkgs) - c.thresholds.MaxPackagesPerRow
			pkgs = pkgs[:c.thresholds.MaxPackagesPerRow]
		}
		row.Packages = append([]updates.PackageRef(nil), pkgs...)

		row.Changelog = g.log
		if !c.revealed[g.key] {
			if runes := []rune(g.log); len(runes) > c.thresholds.MaxChangelogRunes {
				row.Changelog = string(runes[:c.thresholds.MaxChangelogRunes])
				row.ChangelogTruncated = true
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// Reveal removes truncation for one row. Revealing is idempotent: the
// visible set only grows, never shrinks or duplicates.
func (c *Catalog) Reveal(source, version string) {
	key := rowKey{source: source, version: version}
	if _, ok := c.lookup(key); ok {
		c.revealed[key] = true
	}
}

// Count returns the total row count and how many rows are security rows.
func (c *Catalog) Count() (total, security int) {
	total = len(c.groups)
	for _, g := range c.groups {
		if g.security {
			security++
		}
	}
	return total, security
}

// Updates returns every raw update in the catalog, row order preserved.
func (c *Catalog) Updates() []updates.UpdateInfo {
	var out []updates.UpdateInfo
	for _, g := range c.groups {
		out = append(out, g.upd...)
	}
	return out
}

// Covered returns the updates an install with the given selection would
// apply. SelectionSecurity covers only updates on security rows.
func (c *Catalog) Covered(sel updates.Selection) []updates.UpdateInfo {
	var out []updates.UpdateInfo
	for _, g := range c.groups {
		if sel == updates.SelectionSecurity && !g.security {
			continue
		}
		out = append(out, g.upd...)
	}
	return out
}

func (c *Catalog) lookup(key rowKey) (*group, bool) {
	for _, g := range c.groups {
		if g.key == key {
			return g, true
		}
	}
	return nil, false
}

func mergeCVEs(have, add []string) []string {
	seen := make(map[string]struct{}, len(have))
	for _, id := range have {
		seen[id] = struct{}{}
	}
	for _, id := range add {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		have = append(have, id)
	}
	return have
}

func mergeBugRefs(have, add []int) []int {
	seen := make(map[int]struct{}, len(have))
	for _, id := range have {
		seen[id] = struct{}{}
	}
	for _, id := range add {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		have = append(have, id)
	}
	return have
}
