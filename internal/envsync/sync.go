package envsync

import (
	"context"
	"os"
	"sort"
	"sync"

	"pkt.systems/pslog"
)

// SessionEnv is the slice of the session registry envsync needs: the shared
// tmux environment, so new tabs inherit the applied variables.
type SessionEnv interface {
	SetEnv(ctx context.Context, key, value string) error
	UnsetEnv(ctx context.Context, key string) error
}

// Diff partitions the keys that differ between two environment sets.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Compute diffs old against desired. Key order in each partition is sorted
// so replies and logs are deterministic.
func Compute(old, desired map[string]string) Diff {
	var d Diff
	for key, value := range desired {
		previous, ok := old[key]
		switch {
		case !ok:
			d.Added = append(d.Added, key)
		case previous != value:
			d.Changed = append(d.Changed, key)
		}
	}
	for key := range old {
		if _, ok := desired[key]; !ok {
			d.Removed = append(d.Removed, key)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

// Sync applies desired environment sets. The hub always sends the complete
// desired set; Sync turns it into a minimal diff against what was last
// applied.
type Sync struct {
	store   *Store
	session SessionEnv
	log     pslog.Logger

	mu      sync.Mutex
	current map[string]string
}

// New constructs a Sync. session may be nil when no tmux session exists yet.
func New(store *Store, session SessionEnv, logger pslog.Logger) *Sync {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Sync{
		store:   store,
		session: session,
		log:     logger,
		current: map[string]string{},
	}
}

// Load restores the last applied snapshot as the diff baseline and re-applies
// it to the process environment, since a restarted process starts clean.
func (s *Sync) Load(ctx context.Context) error {
	env, ok, err := s.store.Load()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.current = env
	s.mu.Unlock()
	for key, value := range env {
		if err := os.Setenv(key, value); err != nil {
			s.log.Warn("env restore failed", "key", key, "err", err)
		}
	}
	s.log.Info("env snapshot restored", "vars", len(env))
	return nil
}

// Apply reconciles the process and session environment with desired and
// persists the new baseline. Session-side failures are logged and skipped;
// the process environment is authoritative. The returned Diff reflects what
// was attempted, and the error only covers persistence.
func (s *Sync) Apply(ctx context.Context, desired map[string]string) (Diff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	diff := Compute(s.current, desired)
	for _, key := range append(append([]string(nil), diff.Added...), diff.Changed...) {
		value := desired[key]
		if err := os.Setenv(key, value); err != nil {
			s.log.Warn("setenv failed", "key", key, "err", err)
		}
		if s.session != nil {
			if err := s.session.SetEnv(ctx, key, value); err != nil {
				s.log.Warn("session setenv failed", "key", key, "err", err)
			}
		}
	}
	for _, key := range diff.Removed {
		if err := os.Unsetenv(key); err != nil {
			s.log.Warn("unsetenv failed", "key", key, "err", err)
		}
		if s.session != nil {
			if err := s.session.UnsetEnv(ctx, key); err != nil {
				s.log.Warn("session unsetenv failed", "key", key, "err", err)
			}
		}
	}

	snapshot := make(map[string]string, len(desired))
	for key, value := range desired {
		snapshot[key] = value
	}
	s.current = snapshot

	if err := s.store.Save(snapshot); err != nil {
		return diff, err
	}
	s.log.Info("env applied",
		"added", len(diff.Added), "removed", len(diff.Removed), "changed", len(diff.Changed))
	return diff, nil
}
