package traffic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/switchyard/pkg/log"
	"github.com/cuemby/switchyard/pkg/types"
)

// ErrRevertFailed is returned when a failed switch could not restore the previous rule
var ErrRevertFailed = errors.New("failed to restore previous routing rule")

const backupTimeFormat = "20060102T150405.000000000Z"

// Options configures a Switch
type Options struct {
	// ConfigPath is the nginx include file holding the routing rule
	ConfigPath string
	// BackupDir receives a timestamped copy of the rule before every change
	BackupDir string
	// BackupKeep is the number of backups kept after a successful switch; 0 keeps all
	BackupKeep int
	// Routes returns the upstream addresses of an environment
	Routes func(env types.Environment) []Route
}

// Switch repoints the proxy between environments
type Switch struct {
	opts     Options
	reloader Reloader
	verifier Verifier
	now      func() time.Time
	logger   zerolog.Logger
}

// NewSwitch creates a traffic switch
func NewSwitch(opts Options, reloader Reloader, verifier Verifier) *Switch {
	return &Switch{
		opts:     opts,
		reloader: reloader,
		verifier: verifier,
		now:      time.Now,
		logger:   log.WithComponent("traffic"),
	}
}

// Current returns the environment named by the live routing rule,
// or ErrNoRule before the first switch
func (s *Switch) Current() (types.Environment, error) {
	data, err := os.ReadFile(s.opts.ConfigPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoRule
	}
	if err != nil {
		return "", fmt.Errorf("failed to read routing rule: %w", err)
	}
	env, err := Parse(data)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s: %w", s.opts.ConfigPath, err)
	}
	return env, nil
}

// Switch moves traffic to env. When env is already active the rule is left
// untouched and only the public path is verified.
func (s *Switch) Switch(ctx context.Context, to types.Environment) error {
	if !to.Valid() {
		return fmt.Errorf("invalid environment %q", to)
	}
	logger := s.logger.With().Str("to", string(to)).Logger()

	current, err := s.Current()
	if err != nil && !errors.Is(err, ErrNoRule) {
		return err
	}
	if err == nil && current == to {
		logger.Info().Msg("Environment already active, verifying only")
		return s.verifier.Verify(ctx, to)
	}

	rule, err := Render(to, s.opts.Routes(to))
	if err != nil {
		return err
	}

	backup, err := s.backup()
	if err != nil {
		return err
	}

	if err := s.apply(ctx, rule, to); err != nil {
		logger.Warn().Err(err).Str("backup", backup).Msg("Switch failed, restoring previous routing rule")
		if rerr := s.restore(ctx, backup); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to restore previous routing rule")
			return errors.Join(err, fmt.Errorf("%w: %v", ErrRevertFailed, rerr))
		}
		return err
	}

	logger.Info().Str("from", string(current)).Msg("Traffic switched")

	if err := s.prune(); err != nil {
		logger.Warn().Err(err).Msg("Failed to prune routing rule backups")
	}
	return nil
}

func (s *Switch) apply(ctx context.Context, rule []byte, to types.Environment) error {
	if err := writeAtomic(s.opts.ConfigPath, rule); err != nil {
		return err
	}
	if err := s.reloader.Test(ctx); err != nil {
		return err
	}
	if err := s.reloader.Reload(ctx); err != nil {
		return err
	}
	return s.verifier.Verify(ctx, to)
}

// backup copies the live rule into BackupDir and returns the copy's path,
// or "" when there is no rule yet
func (s *Switch) backup() (string, error) {
	data, err := os.ReadFile(s.opts.ConfigPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read routing rule: %w", err)
	}

	if err := os.MkdirAll(s.opts.BackupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	name := filepath.Base(s.opts.ConfigPath) + "." + s.now().UTC().Format(backupTimeFormat)
	path := filepath.Join(s.opts.BackupDir, name)
	if err := writeAtomic(path, data); err != nil {
		return "", fmt.Errorf("failed to back up routing rule: %w", err)
	}
	return path, nil
}

// restore puts the backup back in place and reloads. An empty backup means
// there was no rule before, so the new one is removed.
func (s *Switch) restore(ctx context.Context, backup string) error {
	if backup == "" {
		if err := os.Remove(s.opts.ConfigPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	} else {
		data, err := os.ReadFile(backup)
		if err != nil {
			return err
		}
		if err := writeAtomic(s.opts.ConfigPath, data); err != nil {
			return err
		}
	}
	return s.reloader.Reload(ctx)
}

// Backups returns the backup files, oldest first
func (s *Switch) Backups() ([]string, error) {
	entries, err := os.ReadDir(s.opts.BackupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	prefix := filepath.Base(s.opts.ConfigPath) + "."
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, filepath.Join(s.opts.BackupDir, e.Name()))
		}
	}
	// Timestamps sort lexically
	sort.Strings(names)
	return names, nil
}

func (s *Switch) prune() error {
	if s.opts.BackupKeep <= 0 {
		return nil
	}
	backups, err := s.Backups()
	if err != nil {
		return err
	}
	for len(backups) > s.opts.BackupKeep {
		if err := os.Remove(backups[0]); err != nil {
			return err
		}
		backups = backups[1:]
	}
	return nil
}

// writeAtomic writes data next to path and renames it into place
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// nginx in another container reads the file through a bind mount
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
