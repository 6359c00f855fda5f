// Package secrets resolves opaque auth references from a pluggable provider.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Provider resolves an opaque auth_ref from the source config into a
// credential value.
type Provider interface {
	Resolve(ref string) (string, error)
}

// EnvProvider resolves references against environment variables. A ref of
// the form "env:NAME" reads NAME; a bare ref is upper-cased and prefixed.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment-backed provider. Bare refs are
// resolved as <prefix><REF>.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Resolve returns the credential for ref, or an error when unset.
func (p *EnvProvider) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	key := ref
	if strings.HasPrefix(ref, "env:") {
		key = strings.TrimPrefix(ref, "env:")
	} else {
		key = p.prefix + strings.ToUpper(strings.ReplaceAll(ref, "-", "_"))
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secret ref %q: environment variable %s not set", ref, key)
	}
	return val, nil
}

// StaticProvider returns fixed values, for tests.
type StaticProvider map[string]string

// Resolve returns the configured value for ref.
func (p StaticProvider) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	val, ok := p[ref]
	if !ok {
		return "", fmt.Errorf("secret ref %q not configured", ref)
	}
	return val, nil
}
