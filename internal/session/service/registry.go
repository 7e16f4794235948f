package service

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/relaydev/relay/internal/session/models"
	v1 "github.com/relaydev/relay/pkg/api/v1"
)

// registryFileName is the destination registry inside the state directory.
const registryFileName = "destinations.yaml"

// registryFile is the on-disk attachment registry. Destinations use the same
// shape as the HTTP API so the file can be edited by hand.
type registryFile struct {
	Sessions []registryEntry `yaml:"sessions"`
}

type registryEntry struct {
	SessionID    string           `yaml:"session_id"`
	Path         string           `yaml:"path"`
	Destinations []v1.Destination `yaml:"destinations"`
}

func loadRegistry(path string) ([]registryEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	return file.Sessions, nil
}

// saveRegistry writes the registry atomically via a temp file rename so a
// crash mid-write never leaves a truncated file.
func saveRegistry(path string, entries []registryEntry) error {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SessionID < entries[j].SessionID
	})

	data, err := yaml.Marshal(registryFile{Sessions: entries})
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}

// registryDestinations converts and validates the wire destinations of one
// entry, dropping malformed ones rather than failing the whole load.
func registryDestinations(entry registryEntry) []models.Destination {
	out := make([]models.Destination, 0, len(entry.Destinations))
	for _, w := range entry.Destinations {
		dest, err := models.DestinationFromWire(w)
		if err != nil {
			continue
		}
		out = append(out, dest)
	}
	return out
}
