package transaction

import (
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/pkgpatrol/pkgpatrol/pkg/updates"
)

func TestPackageIDRoundTrip(t *testing.T) {
	ref := updates.PackageRef{Name: "openssl-libs", Source: "openssl", Arch: "x86_64"}

	id := packageIDWithVersion(ref, "3.2-4")
	if id != "openssl-libs;3.2-4;x86_64;" {
		t.Errorf("unexpected package id: %q", id)
	}
	if got := packageNameFromID(id); got != "openssl-libs" {
		t.Errorf("unexpected name from id: %q", got)
	}
	if got := packageNameFromID("bare-name"); got != "bare-name" {
		t.Errorf("expected bare names to pass through, got %q", got)
	}
}

func TestPackageSignalToUpdate(t *testing.T) {
	body := []interface{}{uint32(pkInfoSecurity), "curl;8.6-1;x86_64;updates", "summary"}
	u, ok := packageSignalToUpdate(body)
	if !ok {
		t.Fatalf("expected a decodable signal body")
	}
	if u.Package.Name != "curl" || u.CandidateVersion != "8.6-1" || u.Package.Arch != "x86_64" {
		t.Errorf("unexpected update: %+v", u)
	}
	if u.Severity != updates.SeveritySecurity {
		t.Errorf("expected security severity, got %s", u.Severity)
	}

	if _, ok := packageSignalToUpdate([]interface{}{uint32(1)}); ok {
		t.Errorf("expected a short body to be rejected")
	}
}

func TestInfoToSeverity(t *testing.T) {
	cases := map[uint32]updates.Severity{
		pkInfoSecurity:    updates.SeveritySecurity,
		pkInfoBugfix:      updates.SeverityBugfix,
		pkInfoEnhancement: updates.SeverityEnhancement,
		0:                 updates.SeverityNone,
		99:                updates.SeverityNone,
	}
	for info, want := range cases {
		if got := infoToSeverity(info); got != want {
			t.Errorf("info %d: expected %s, got %s", info, want, got)
		}
	}
}

func TestClassifyBusError(t *testing.T) {
	client := &PackageKitClient{}

	cases := map[string]updates.ErrorKind{
		"org.freedesktop.DBus.Error.ServiceUnknown": updates.KindNotInstalled,
		"org.freedesktop.DBus.Error.NoReply":        updates.KindServiceCrashed,
		"org.freedesktop.DBus.Error.Disconnected":   updates.KindServiceCrashed,
		"org.freedesktop.DBus.Error.TimedOut":       updates.KindTransient,
		"org.freedesktop.DBus.Error.AccessDenied":   updates.KindTransient,
	}
	for name, want := range cases {
		err := client.classifyBusError("list updates", dbus.Error{Name: name})
		if got := updates.KindOf(err); got != want {
			t.Errorf("%s: expected %s, got %s", name, want, got)
		}
	}
}

func TestCVEIDFromURL(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://cve.mitre.org/cgi-bin/cvename.cgi?name=CVE-2024-1234", "CVE-2024-1234"},
		{"https://nvd.nist.gov/vuln/detail/CVE-2023-0001/", "CVE-2023-0001"},
		{"CVE-2022-5555", "CVE-2022-5555"},
		{"https://example.com/advisory/XSA-400", ""},
	}
	for _, tc := range cases {
		if got := cveIDFromURL(tc.url); got != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.url, tc.want, got)
		}
	}
}

func TestBugIDFromURL(t *testing.T) {
	if n, ok := bugIDFromURL("https://bugzilla.example.com/show_bug.cgi?id=12345"); !ok || n != 12345 {
		t.Errorf("expected 12345, got %d (%v)", n, ok)
	}
	if n, ok := bugIDFromURL("https://tracker.example.com/issues/777"); !ok || n != 777 {
		t.Errorf("expected 777, got %d (%v)", n, ok)
	}
	if _, ok := bugIDFromURL("https://example.com/not-a-bug/"); ok {
		t.Errorf("expected non-numeric URLs to be rejected")
	}
}

func TestEmitNeverDropsLogOrPackageEvents(t *testing.T) {
	h := &pkHandle{events: make(chan Event, 2)}

	// Fill the buffer, then push the events that must survive from a
	// separate goroutine; a full buffer may only cost bare ticks.
	h.emit(Event{Kind: EventProgress, Percent: 10})
	h.emit(Event{Kind: EventProgress, Percent: 20})

	go func() {
		h.emit(Event{Kind: EventLog, Line: "installing openssl"})
		h.emit(Event{Kind: EventProgress, Percent: 30, Package: "openssl"})
		h.emit(Event{Kind: EventProgress, Percent: 40}) // droppable tick
		close(h.events)
	}()

	var logLines, packages, ticks int
	for ev := range h.events {
		switch {
		case ev.Kind == EventLog:
			logLines++
		case ev.Package != "":
			packages++
		default:
			ticks++
		}
	}

	if logLines != 1 {
		t.Errorf("expected the log line to survive a full buffer, got %d", logLines)
	}
	if packages != 1 {
		t.Errorf("expected the package-bearing event to survive, got %d", packages)
	}
	if ticks < 2 {
		t.Errorf("expected the buffered ticks to remain, got %d", ticks)
	}
}

func TestApplyUpdateDetail(t *testing.T) {
	var u updates.UpdateInfo
	// Layout: package_id, updates, obsoletes, vendor_urls, bug_urls,
	// cve_urls, restart, update_text, changelog.
	body := []interface{}{
		"curl;8.6-1;x86_64;updates",
		[]string{},
		[]string{},
		[]string{},
		[]string{"https://bugzilla.example.com/show_bug.cgi?id=222"},
		[]string{"https://nvd.nist.gov/vuln/detail/CVE-2024-2004"},
		uint32(0),
		"update text",
		"full changelog",
	}
	applyUpdateDetail(&u, body)

	if len(u.BugRefs) != 1 || u.BugRefs[0] != 222 {
		t.Errorf("unexpected bug refs: %v", u.BugRefs)
	}
	if len(u.CVEs) != 1 || u.CVEs[0] != "CVE-2024-2004" {
		t.Errorf("unexpected CVEs: %v", u.CVEs)
	}
	if u.Changelog != "full changelog" {
		t.Errorf("unexpected changelog: %q", u.Changelog)
	}

	// A missing changelog falls back to the update text.
	var v updates.UpdateInfo
	body[8] = ""
	applyUpdateDetail(&v, body)
	if v.Changelog != "update text" {
		t.Errorf("expected fallback to update text, got %q", v.Changelog)
	}
}
