package connection

import (
	"fmt"
	"os"
	"strings"
)

const envPrefix = "env:"

// ResolveSecret returns ref unchanged unless it is an "env:NAME" reference, in
// which case the named environment variable must be set.
func ResolveSecret(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("secret is required")
	}
	if !strings.HasPrefix(ref, envPrefix) {
		return ref, nil
	}
	key := strings.TrimSpace(strings.TrimPrefix(ref, envPrefix))
	if key == "" {
		return "", fmt.Errorf("empty env key in secret ref")
	}
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", fmt.Errorf("secret env %q is empty", key)
	}
	return value, nil
}

func isSecretRef(ref string) bool {
	return strings.HasPrefix(strings.TrimSpace(ref), envPrefix)
}
