package hub

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateEntryID reads the entry ID from dataDir, or generates a
// new UUIDv7 and persists it if none exists. The entry ID scopes every
// entity unique ID, so it must survive restarts and renames of the
// router or the MQTT device name.
func LoadOrCreateEntryID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "entry_id")

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate entry ID: %w", err)
	}

	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist entry ID to %s: %w", path, err)
	}
	return idStr, nil
}
