package probe

import (
	"net/http"
	"sort"
	"strings"
)

// RateLimitHeaders scans a response's headers for rate-limit-shaped keys
// and returns them as a sorted, bounded "key=value" slice; callers append it
// to the result's Description (supplemented feature: rate-limit header
// capture).
func RateLimitHeaders(resp *http.Response) []string {
	if resp == nil {
		return nil
	}

	entries := make([]string, 0)
	for key, values := range resp.Header {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(key)
		if !strings.Contains(lower, "ratelimit") &&
			!strings.Contains(lower, "rate-limit") &&
			!strings.Contains(lower, "retry-after") &&
			!strings.Contains(lower, "quota") {
			continue
		}
		value := strings.Join(values, ",")
		if value == "" {
			continue
		}
		entries = append(entries, lower+"="+value)
	}

	if len(entries) == 0 {
		return nil
	}
	sort.Strings(entries)
	const maxEntries = 6
	if len(entries) > maxEntries {
		entries = entries[:maxEntries]
	}
	return entries
}
