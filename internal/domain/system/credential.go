package system

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoCredential is returned for an empty credential reference.
var ErrNoCredential = errors.New("system: no credential reference")

// ResolveCredential reads the secret a credential reference points to.
// References are "env:NAME" or "file:/path". Secrets are read at call time
// and never stored on the System.
func ResolveCredential(ref string) (string, error) {
	scheme, target, ok := strings.Cut(ref, ":")
	if ref == "" {
		return "", ErrNoCredential
	}
	if !ok || target == "" {
		return "", fmt.Errorf("system: malformed credential reference %q", RedactRef(ref))
	}
	switch scheme {
	case "env":
		v, ok := os.LookupEnv(target)
		if !ok || v == "" {
			return "", fmt.Errorf("system: credential variable %s is not set", target)
		}
		return v, nil
	case "file":
		b, err := os.ReadFile(target)
		if err != nil {
			return "", fmt.Errorf("system: read credential file: %w", err)
		}
		v := strings.TrimSpace(string(b))
		if v == "" {
			return "", fmt.Errorf("system: credential file %s is empty", target)
		}
		return v, nil
	}
	return "", fmt.Errorf("system: unsupported credential scheme %q", scheme)
}

// RedactRef renders a reference for logs: the scheme is kept, the target is
// masked.
func RedactRef(ref string) string {
	scheme, _, ok := strings.Cut(ref, ":")
	if !ok {
		return "***"
	}
	return scheme + ":***"
}
