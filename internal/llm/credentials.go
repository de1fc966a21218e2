package llm

import (
	"fmt"
	"strings"

	perrors "github.com/p-blackswan/analyst/internal/errors"
)

// ResolveAPIKey picks the credential for a call: a per-call override wins,
// then the stored user setting, then the environment default.
func ResolveAPIKey(override, stored, envDefault string) (string, error) {
	for _, k := range []string{override, stored, envDefault} {
		if k = strings.TrimSpace(k); k != "" {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: no API key configured", perrors.ErrAuthFailure)
}

// MaskKey returns a log-safe form of key.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "…" + key[len(key)-4:]
}
