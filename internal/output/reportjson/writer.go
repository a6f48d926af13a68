package reportjson

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"tracegraph/internal/logger"
	"tracegraph/pkg/models"
)

// Write renders the run summary as indented JSON at path, creating parent
// directories as needed.
func Write(path string, summary *models.RunSummary) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	logger.Infof("Run report written: %s", path)
	return nil
}
