package deploy

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/schaermu/mpydeploy/internal/manifest"
)

// State records what the last successful run put on the device
type State struct {
	Port         string                 `json:"port"`
	ManagedFiles map[string]ManagedFile `json:"managed_files"`
}

// ManagedFile represents a file under management, keyed by device path
type ManagedFile struct {
	SourcePath string `json:"source_path"` // relative path within the project
	Hash       string `json:"hash"`        // BLAKE3 hash of content
}

func emptyState() *State {
	return &State{ManagedFiles: make(map[string]ManagedFile)}
}

// loadState loads the previous state from disk
func loadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyState(), nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.ManagedFiles == nil {
		state.ManagedFiles = make(map[string]ManagedFile)
	}

	return &state, nil
}

// saveState persists the state to disk
func saveState(path string, state *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// buildState creates a State describing the uploaded manifest
func buildState(port string, m manifest.Manifest) (*State, error) {
	state := emptyState()
	state.Port = port

	for _, e := range m {
		hash, err := fileHash(e.LocalPath)
		if err != nil {
			return nil, err
		}
		state.ManagedFiles[e.DevicePath] = ManagedFile{
			SourcePath: e.RelPath,
			Hash:       hash,
		}
	}

	return state, nil
}

// stalePaths returns device paths managed by prev that m no longer contains
func stalePaths(prev *State, m manifest.Manifest) []string {
	current := make(map[string]bool, len(m))
	for _, e := range m {
		current[e.DevicePath] = true
	}

	var stale []string
	for devicePath := range prev.ManagedFiles {
		if !current[devicePath] {
			stale = append(stale, devicePath)
		}
	}
	sort.Strings(stale)
	return stale
}

// fileHash computes the BLAKE3 hash of a file
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
