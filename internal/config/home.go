// Package config resolves the agentbus home directory and its on-disk layout.
package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

type homeKey struct{}

// WithHome stores the agentbus home path in the context.
func WithHome(ctx context.Context, home string) context.Context {
	return context.WithValue(ctx, homeKey{}, home)
}

// HomeFrom returns the agentbus home path from the context, if set.
func HomeFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(homeKey{})
	s, ok := v.(string)
	return s, ok
}

// MustHomeFrom returns the home path from the context, or panics if not set.
func MustHomeFrom(ctx context.Context) string {
	if h, ok := HomeFrom(ctx); ok && h != "" {
		return h
	}
	panic("agentbus home missing from context")
}

// ResolveHome returns the agentbus home directory (override, AGENTBUS_HOME, or default ~/.agentbus).
func ResolveHome(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}
	if env := os.Getenv("AGENTBUS_HOME"); env != "" {
		return filepath.Clean(env), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("could not determine user home directory")
	}
	return filepath.Join(home, ".agentbus"), nil
}

// ProtectedDir returns home/protected, where the database, runtime files, and artifacts live.
func ProtectedDir(home string) string {
	return filepath.Join(home, "protected")
}

// ArtifactsDir returns the directory for large out-of-band payloads referenced by messages.
func ArtifactsDir(home string) string {
	return filepath.Join(ProtectedDir(home), "artifacts")
}

// ProtocolVersionPath returns the path of the protocol-version marker file.
func ProtocolVersionPath(home string) string {
	return filepath.Join(ProtectedDir(home), "protocol_version.txt")
}

// ProtocolVersion is the wire protocol version written to ProtocolVersionPath.
const ProtocolVersion = "1.0"

// EnsureLayout creates the protected and artifacts directories and stamps the
// protocol-version file if it is not already present.
func EnsureLayout(home string) error {
	if err := os.MkdirAll(ArtifactsDir(home), 0o755); err != nil {
		return err
	}
	p := ProtocolVersionPath(home)
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return os.WriteFile(p, []byte(ProtocolVersion), 0o644)
	} else if err != nil {
		return err
	}
	return nil
}
