package probe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"time"
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes terminal escape sequences from CLI output before
// regex-extraction runs against it.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// RunCLI spawns name with args under a timeout and returns its combined
// stdout, with ANSI escapes stripped. A non-zero exit or spawn failure is
// returned as an error alongside whatever output was captured, since the
// CLI-scrape contract (spec §4.2.D) treats "configured but not readable" as
// still-available, descriptive data rather than a hard failure.
func RunCLI(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	clean := StripANSI(out.String())
	if err != nil {
		return clean, fmt.Errorf("run %s: %w", name, err)
	}
	return clean, nil
}

// ExtractLabeledNumber finds the first occurrence of `label` followed by a
// number (optionally prefixed with "$" or followed by "%") anywhere in text,
// e.g. "Tokens used: 1234" with label "tokens used".
func ExtractLabeledNumber(text, label string) (float64, bool) {
	pattern := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(label) + `\s*[:=]?\s*\$?([0-9]+(?:\.[0-9]+)?)\s*%?`)
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
