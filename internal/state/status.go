package state

import (
	"encoding/json"
	"os"
	"path/filepath"

	"scenelens/internal/appstate"
	"scenelens/internal/model"
)

// StatusJSON is the schema written to status.json.
type StatusJSON struct {
	UpdatedUnix int64                     `json:"updated_unix"`
	Stats       model.Stats               `json:"stats"`
	Indexing    appstate.IndexingSnapshot `json:"indexing"`
}

// WriteStatusJSON writes status.json to stateDir atomically to avoid
// corruption on interrupt.
func WriteStatusJSON(stateDir string, s *StatusJSON) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	target := filepath.Join(stateDir, "status.json")
	f, err := os.CreateTemp(stateDir, "status.json.*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// ReadStatusJSON loads status.json. A missing file is model.ErrNotFound.
func ReadStatusJSON(stateDir string) (*StatusJSON, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, "status.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	var s StatusJSON
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
