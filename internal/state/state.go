package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"scenelens/internal/config"
)

// Paths names the files kept under a state directory.
type Paths struct {
	Root      string
	MetaDB    string
	Index     string
	Keyframes string
	Locks     string
	Status    string
}

func PathsFor(stateDir string) Paths {
	return Paths{
		Root:      stateDir,
		MetaDB:    filepath.Join(stateDir, "meta.sqlite"),
		Index:     filepath.Join(stateDir, "vectors.gob"),
		Keyframes: stateDir,
		Locks:     filepath.Join(stateDir, "locks"),
		Status:    filepath.Join(stateDir, "status.json"),
	}
}

// EnsureStateDir creates the state directory and its subdirectories and
// writes the redacted config snapshot.
func EnsureStateDir(stateDir string, cfg *config.Config) error {
	dirs := []string{
		stateDir,
		filepath.Join(stateDir, "frames"),
		filepath.Join(stateDir, "locks"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create state dir %s: %w", d, err)
		}
	}
	if cfg == nil {
		return nil
	}
	return config.WriteSnapshot(stateDir, cfg)
}

// AcquireLock takes the advisory lock locks/<name>.lock. The returned func
// removes it. A second holder gets an error naming the lock file.
func AcquireLock(stateDir, name string) (func(), error) {
	lockPath := filepath.Join(stateDir, "locks", name+".lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, err
	}
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another scenelens %s is already running (lock: %s)", name, lockPath)
		}
		return nil, err
	}
	_, _ = lockFile.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	_ = lockFile.Close()
	return func() { _ = os.Remove(lockPath) }, nil
}
