package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// secretFileName lives under auth.secret_dir and holds the token signing key.
const secretFileName = "token.key"

// SigningSecret returns configured when set, otherwise the persisted key
// under dir, creating it on first use.
func SigningSecret(configured, dir string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	return LoadOrCreateSecret(dir)
}

// LoadOrCreateSecret reads the signing key from dir, or generates and
// persists a new 256-bit hex key if the file is missing or blank.
func LoadOrCreateSecret(dir string) (string, error) {
	path := filepath.Join(dir, secretFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret, nil
		}
	}

	return RotateSecret(dir)
}

// RotateSecret replaces the signing key. Every token issued with the old
// key stops resolving.
func RotateSecret(dir string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(b)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, secretFileName), []byte(secret), 0600); err != nil {
		return "", fmt.Errorf("write secret: %w", err)
	}
	return secret, nil
}
