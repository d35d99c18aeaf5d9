// Package secrets manages robot authentication keys. Each robot has a
// unique id and a corresponding secret key file named <robot-id>.key in
// the secrets directory. The store is read-only after startup.
package secrets

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/portalbot/server/internal/v1/logging"
	"github.com/portalbot/server/internal/v1/types"
)

var robotIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Store holds robot secret keys loaded from the secrets directory.
type Store struct {
	secrets map[types.RobotIDType]string
}

// LoadDir loads all .key files from dir. Files with invalid robot ids in
// the filename or empty contents are skipped with a warning. A missing
// directory yields an empty store (no robots can authenticate) rather
// than an error; an unreadable directory is fatal.
func LoadDir(dir string) (*Store, error) {
	store := &Store{secrets: make(map[types.RobotIDType]string)}

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		logging.Warn(context.Background(), "Robot secrets directory not found, no robots will be able to authenticate",
			zap.String("dir", dir))
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s exists but is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".key") {
			continue
		}

		robotID := strings.TrimSuffix(name, ".key")
		if !robotIDPattern.MatchString(robotID) {
			logging.Warn(context.Background(), "Skipping key file with invalid robot id", zap.String("file", name))
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			logging.Warn(context.Background(), "Failed to read key file", zap.String("file", name), zap.Error(err))
			continue
		}

		secret := strings.TrimSpace(string(raw))
		if secret == "" {
			logging.Warn(context.Background(), "Skipping empty key file", zap.String("file", name))
			continue
		}

		store.secrets[types.RobotIDType(robotID)] = secret
	}

	logging.Info(context.Background(), "Loaded robot secret keys", zap.Int("count", len(store.secrets)))
	return store, nil
}

// NewFromMap builds a store from in-memory secrets. Used by tests.
func NewFromMap(m map[types.RobotIDType]string) *Store {
	secrets := make(map[types.RobotIDType]string, len(m))
	for id, key := range m {
		secrets[id] = key
	}
	return &Store{secrets: secrets}
}

// Validate checks a robot's credentials using a constant-time comparison.
// Unknown robot ids fail the same way as wrong secrets.
func (s *Store) Validate(robotID types.RobotIDType, secretKey string) bool {
	stored, ok := s.secrets[robotID]
	if !ok {
		// Burn a comparison anyway so unknown ids are not distinguishable
		// by timing.
		subtle.ConstantTimeCompare([]byte(secretKey), []byte(secretKey))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(secretKey)) == 1
}

// RobotIDs returns all known robot ids.
func (s *Store) RobotIDs() []types.RobotIDType {
	ids := make([]types.RobotIDType, 0, len(s.secrets))
	for id := range s.secrets {
		ids = append(ids, id)
	}
	return ids
}
