// Package updates defines the shared domain types for the pkgpatrol
// update-orchestration engine: package references, update descriptions,
// severity and selection enums, and the classified error type used
// across component boundaries.
package updates

import (
	"fmt"
	"time"
)

// PackageRef identifies one installable binary package.
type PackageRef struct {
	// Name is the binary package name.
	Name string `json:"name"`

	// Source is the source package producing this binary.
	Source string `json:"source"`

	// Arch is the package architecture (e.g., "amd64", "all").
	Arch string `json:"arch,omitempty"`
}

// String renders the reference as name.arch for logs and events.
func (r PackageRef) String() string {
	if r.Arch == "" {
		return r.Name
	}
	return r.Name + "." + r.Arch
}

// Severity classifies an available update.
type Severity string

const (
	// SeverityNone indicates no declared severity.
	SeverityNone Severity = "none"

	// SeverityEnhancement indicates a feature or enhancement update.
	SeverityEnhancement Severity = "enhancement"

	// SeverityBugfix indicates a non-security bug fix.
	SeverityBugfix Severity = "bugfix"

	// SeveritySecurity indicates a security-relevant update.
	SeveritySecurity Severity = "security"
)

// Validate checks if the severity is a known value.
func (s Severity) Validate() error {
	switch s {
	case SeverityNone, SeverityEnhancement, SeverityBugfix, SeveritySecurity:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// UpdateInfo describes one available package update as reported by the
// package-transaction service, optionally enriched by GetDetail.
type UpdateInfo struct {
	// Package is the binary package the update applies to.
	Package PackageRef `json:"package"`

	// CurrentVersion is the installed version.
	CurrentVersion string `json:"current_version"`

	// CandidateVersion is the version the update would install.
	CandidateVersion string `json:"candidate_version"`

	// BugRefs are referenced bug tracker ids.
	BugRefs []int `json:"bug_refs,omitempty"`

	// Changelog is the free-text changelog for the update.
	Changelog string `json:"changelog,omitempty"`

	// Severity is the severity declared by the service.
	Severity Severity `json:"severity"`

	// CVEs are the explicitly declared CVE identifiers, in service order.
	CVEs []string `json:"cves,omitempty"`
}

// Selection chooses which updates an install covers.
type Selection string

const (
	// SelectionAll installs every available update.
	SelectionAll Selection = "all"

	// SelectionSecurity installs only security-relevant updates.
	SelectionSecurity Selection = "security"
)

// Validate checks if the selection is a known value.
func (s Selection) Validate() error {
	switch s {
	case SelectionAll, SelectionSecurity:
		return nil
	default:
		return fmt.Errorf("invalid selection: %s", s)
	}
}

// AppliedPackage records one package at the version a batch installed.
type AppliedPackage struct {
	Package PackageRef `json:"package"`
	Version string     `json:"version"`
}

// HistoryEntry is one immutable record of an applied update batch.
type HistoryEntry struct {
	// BatchID uniquely identifies the install action.
	BatchID string `json:"batch_id"`

	// AppliedAt is when the batch finished.
	AppliedAt time.Time `json:"applied_at"`

	// Packages are the applied packages in install-report order.
	Packages []AppliedPackage `json:"packages"`

	// Success records whether the batch completed successfully.
	Success bool `json:"success"`
}
