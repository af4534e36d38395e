package llms

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/morphik-org/morphik-core/pkg/models"
)

// oversizeDump is the on-disk shape of one overflow incident.
type oversizeDump struct {
	Timestamp time.Time            `json:"timestamp"`
	Model     string               `json:"model"`
	Error     string               `json:"error"`
	Messages  []models.ChatMessage `json:"messages"`
}

// WriteOversizeDump persists the message list that blew the model's context
// window, one JSON file per incident. Returns the file path. The dump is
// best-effort diagnostics; callers log failures and move on.
func WriteOversizeDump(dir, model, errMsg string, messages []models.ChatMessage) (string, error) {
	if dir == "" {
		dir = filepath.Join("logs", "oversize")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create dump dir: %w", err)
	}

	now := time.Now().UTC()
	path := filepath.Join(dir, fmt.Sprintf("oversize-%s.json", now.Format("20060102T150405.000000000Z")))
	raw, err := json.MarshalIndent(oversizeDump{
		Timestamp: now,
		Model:     model,
		Error:     errMsg,
		Messages:  messages,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal dump: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write dump: %w", err)
	}
	return path, nil
}
