package x402

import (
	"fmt"
	"strings"
)

// ParseNetwork splits a version-2 composite network identifier
// ("namespace:reference", CAIP-2 style) and validates both parts.
func ParseNetwork(s string) (namespace, reference string, err error) {
	ns, ref, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", fmt.Errorf("network %q: missing namespace separator", s)
	}
	if len(ns) < 3 || len(ns) > 8 {
		return "", "", fmt.Errorf("network %q: namespace must be 3-8 chars", s)
	}
	for _, c := range ns {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
			return "", "", fmt.Errorf("network %q: invalid namespace char %q", s, c)
		}
	}
	if len(ref) < 1 || len(ref) > 32 {
		return "", "", fmt.Errorf("network %q: reference must be 1-32 chars", s)
	}
	for _, c := range ref {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			return "", "", fmt.Errorf("network %q: invalid reference char %q", s, c)
		}
	}
	return ns, ref, nil
}
