package catalog

import "fmt"

// Summary composes the one-line wording for a catalog: all security, no
// security, or a mixed count, with correct singular/plural forms.
func Summary(total, security int) string {
	switch {
	case total == 0:
		return "no updates"
	case security == total:
		return fmt.Sprintf("%d %s", total, plural(total, "security fix", "security fixes"))
	case security == 0:
		return fmt.Sprintf("%d %s", total, plural(total, "update", "updates"))
	default:
		return fmt.Sprintf("%d updates, including %d %s",
			total, security, plural(security, "security fix", "security fixes"))
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
