// Package pack joins the pipeline's outputs into the durable navigation
// pack: the asset join on (spot_id, variant), leg finalization, and the
// fsynced manifest write.
package pack

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tourkit/navpack/plan"
)

// ManifestFilename is the durable record's name inside a pack directory.
const ManifestFilename = "manifest.json"

// WriteManifest persists the manifest to {packsRoot}/{pack_id}/manifest.json.
// The write goes through a temp file that is flushed and fsynced before the
// rename, so a crash never leaves a truncated manifest where pollers and
// the reaper look for one.
func WriteManifest(packsRoot string, m *plan.Manifest) (string, error) {
	dir := filepath.Join(packsRoot, m.PackID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create pack dir: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create manifest temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close manifest: %w", err)
	}

	final := filepath.Join(dir, ManifestFilename)
	if err := os.Rename(tmpName, final); err != nil {
		return "", fmt.Errorf("rename manifest: %w", err)
	}
	return final, nil
}

// ReadManifest loads a previously written manifest.
func ReadManifest(packsRoot, packID string) (*plan.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(packsRoot, packID, ManifestFilename))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m plan.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// ManifestURL is the client-facing path of a pack's manifest.
func ManifestURL(packID string) string {
	return "/packs/" + packID + "/" + ManifestFilename
}
