package extract

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteCookieFile materialises a cookie payload (usually a deployment
// secret) at path with owner-only permissions.
func WriteCookieFile(path, payload string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create cookie dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		return fmt.Errorf("write cookie file: %w", err)
	}
	return nil
}
