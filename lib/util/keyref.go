package util

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrKeyRef is returned for malformed or unresolvable key references.
var ErrKeyRef = errors.New("invalid key reference")

// Key reference schemes. Signing keys never live in configuration, only references to them.
const (
	KeyRefEnv  = "env"
	KeyRefFile = "file"
	KeyRefHD   = "hd"
)

// ParseKeyRef splits "scheme:value".
func ParseKeyRef(ref string) (scheme, value string, err error) {
	scheme, value, ok := strings.Cut(ref, ":")
	if !ok || value == "" {
		return "", "", fmt.Errorf("%w: %q", ErrKeyRef, ref)
	}

	switch scheme {
	case KeyRefEnv, KeyRefFile, KeyRefHD:
		return scheme, value, nil
	}

	return "", "", fmt.Errorf("%w: unknown scheme %q", ErrKeyRef, scheme)
}

// ResolveSecret returns the content referenced by an env: or file: reference, trimmed of surrounding whitespace.
func ResolveSecret(ref string) (string, error) {
	scheme, value, err := ParseKeyRef(ref)
	if err != nil {
		return "", err
	}

	switch scheme {
	case KeyRefEnv:
		s, ok := os.LookupEnv(value)
		if !ok || s == "" {
			return "", fmt.Errorf("%w: environment variable %s is empty", ErrKeyRef, value)
		}

		return strings.TrimSpace(s), nil
	case KeyRefFile:
		b, err := os.ReadFile(value)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrKeyRef, err)
		}

		return strings.TrimSpace(string(b)), nil
	}

	return "", fmt.Errorf("%w: %s references cannot be read as secrets", ErrKeyRef, scheme)
}
