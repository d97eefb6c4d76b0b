package lim

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseWindows parses a comma-separated window spec such as
// "30/1m,200/1h" into its Window list. The same format is accepted
// from both environment configuration and runtime setting overrides.
func ParseWindows(spec string) ([]Window, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var windows []Window
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		slash := strings.IndexByte(part, '/')
		if slash <= 0 || slash == len(part)-1 {
			return nil, fmt.Errorf("invalid rate window %q, want max/span", part)
		}
		max, err := strconv.Atoi(part[:slash])
		if err != nil || max <= 0 {
			return nil, fmt.Errorf("invalid rate window max in %q", part)
		}
		span, err := time.ParseDuration(part[slash+1:])
		if err != nil || span <= 0 {
			return nil, fmt.Errorf("invalid rate window span in %q", part)
		}
		windows = append(windows, Window{Max: max, Span: span})
	}
	return windows, nil
}

// FormatWindows is the inverse of ParseWindows.
func FormatWindows(windows []Window) string {
	parts := make([]string, len(windows))
	for i, w := range windows {
		parts[i] = w.String()
	}
	return strings.Join(parts, ",")
}
