package stage

import (
	"strings"
)

// ScanWarnings returns the messages of every rule whose match text appears
// in output, in rule order and without duplicates. Matching is case-insensitive.
func ScanWarnings(rules []WarningRule, output string) []string {
	if len(rules) == 0 || output == "" {
		return nil
	}
	lowered := strings.ToLower(output)
	var out []string
	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		match := strings.ToLower(strings.TrimSpace(rule.Match))
		if match == "" || !strings.Contains(lowered, match) {
			continue
		}
		if _, dup := seen[rule.Message]; dup {
			continue
		}
		seen[rule.Message] = struct{}{}
		out = append(out, rule.Message)
	}
	return out
}
