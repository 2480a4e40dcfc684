package synccheck

import (
	"fmt"
	"strings"
)

// verifyHistory checks that every submitted capture appears exactly once and
// that the whole view is ordered newest first. Records from earlier runs are
// allowed; only their order is checked.
func verifyHistory(captures []Capture, view View) error {
	want := make(map[string]bool, len(captures))
	for _, c := range captures {
		want[c.ClientKey] = true
	}

	seen := make(map[string]int, len(captures))
	var problems []string
	for i, r := range view.Records {
		if want[r.ClientKey] {
			seen[r.ClientKey]++
		}
		if i > 0 && r.SubmittedAt.After(view.Records[i-1].SubmittedAt) {
			problems = append(problems, fmt.Sprintf("record %d (%s) is newer than record %d (%s)",
				i, r.ID, i-1, view.Records[i-1].ID))
		}
	}
	for _, c := range captures {
		switch n := seen[c.ClientKey]; {
		case n == 0:
			problems = append(problems, fmt.Sprintf("capture %s missing from history", c.ClientKey))
		case n > 1:
			problems = append(problems, fmt.Sprintf("capture %s appears %d times", c.ClientKey, n))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrVerification, strings.Join(problems, "; "))
	}
	return nil
}
