// Package envsync reconciles the hub's desired environment variable set
// with the agent process and the shared tmux session environment, and
// persists the last applied set so a restarted agent diffs against what it
// actually applied rather than an empty baseline.
package envsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"
)

const snapshotFile = "env.json"

// Store persists the applied environment snapshot.
type Store struct {
	path string
	log  pslog.Logger
}

// NewStore constructs a store under dir.
func NewStore(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{
		path: filepath.Join(dir, snapshotFile),
		log:  logger.With("state_dir", dir),
	}, nil
}

// Load reads the last applied snapshot. A missing file is a clean first
// start. A corrupt file is moved aside and treated as missing, so one bad
// write can never wedge the agent.
func (s *Store) Load() (map[string]string, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var env map[string]string
	if err := json.Unmarshal(data, &env); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		s.log.Warn("env snapshot corrupt, moving aside", "err", err, "moved_to", aside)
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			s.log.Warn("env snapshot move failed", "err", renameErr)
		}
		return nil, false, nil
	}
	return env, true, nil
}

// Save writes the snapshot atomically: a reader never observes a partial
// file, and a crash mid-write leaves the previous snapshot intact.
func (s *Store) Save(env map[string]string) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "env-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return err
	}
	s.log.Trace("env snapshot saved", "vars", len(env))
	return nil
}
