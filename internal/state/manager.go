package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maxxentropy/claudeops/pkg/domain"
	"github.com/maxxentropy/claudeops/pkg/ports"
)

// ErrNoRecoverableState is returned when neither the state file nor any
// backup could be loaded.
var ErrNoRecoverableState = errors.New("no recoverable state")

// schemaVersion is bumped when the persisted document layout changes.
const schemaVersion = 1

// document is the on-disk envelope around execution state.
type document struct {
	Metadata metadata               `json:"metadata"`
	State    *domain.ExecutionState `json:"state"`
}

type metadata struct {
	SchemaVersion int            `json:"schema_version"`
	Checkpoint    int            `json:"checkpoint"`
	SavedAt       time.Time      `json:"saved_at"`
	PhaseCounts   map[string]int `json:"phase_counts,omitempty"`
}

// Config controls persistence behaviour.
type Config struct {
	// FilePath is the state file location.
	FilePath string
	// MaxBackups bounds the backup ring kept next to the state file.
	MaxBackups int
	// CheckpointInterval drives the periodic checkpoint loop.
	CheckpointInterval time.Duration
	// MirrorTimeout bounds each mirror store write.
	MirrorTimeout time.Duration
}

// Manager owns the state file. Saves are serialized under one mutex;
// each save writes a temp file, rotates the previous file into the
// backup ring and renames into place, so a crash at any point leaves a
// loadable file behind.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	mirrors []ports.StateStore

	mu         sync.Mutex
	checkpoint int

	loopMu sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a manager and ensures the state directory exists.
func NewManager(cfg Config, logger *zap.Logger, mirrors ...ports.StateStore) (*Manager, error) {
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		mirrors: mirrors,
	}, nil
}

// Save atomically persists the state and mirrors it to secondary stores.
func (m *Manager) Save(state *domain.ExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoint++
	doc := document{
		Metadata: metadata{
			SchemaVersion: schemaVersion,
			Checkpoint:    m.checkpoint,
			SavedAt:       time.Now(),
			PhaseCounts:   countByStatus(state),
		},
		State: state,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(m.cfg.FilePath)
	tmp, err := os.CreateTemp(dir, filepath.Base(m.cfg.FilePath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	m.rotateBackup()

	if err := os.Rename(tmpName, m.cfg.FilePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	for _, store := range m.mirrors {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.MirrorTimeout)
		if err := store.SaveState(ctx, state); err != nil {
			m.logger.Warn("state mirror write failed", zap.Error(err))
		}
		cancel()
	}

	return nil
}

// Load reads the current state file. Unknown schema versions are
// reported and still parsed on a best-effort basis.
func (m *Manager) Load() (*domain.ExecutionState, error) {
	return m.loadFile(m.cfg.FilePath)
}

// RecoverFromCrash loads the newest usable state and normalizes it:
// phases caught mid-flight are marked failed so they rerun, and their
// agents are marked terminated. Falls back through the backup ring when
// the main file is unreadable.
func (m *Manager) RecoverFromCrash() (*domain.ExecutionState, error) {
	candidates := append([]string{m.cfg.FilePath}, m.backupsNewestFirst()...)

	var state *domain.ExecutionState
	for _, path := range candidates {
		loaded, err := m.loadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				m.logger.Warn("skipping unreadable state file",
					zap.String("path", path), zap.Error(err))
			}
			continue
		}
		if path != m.cfg.FilePath {
			m.logger.Warn("recovered state from backup", zap.String("path", path))
		}
		state = loaded
		break
	}
	if state == nil {
		return nil, ErrNoRecoverableState
	}

	interrupted := 0
	for _, details := range state.PhaseStates {
		switch details.Status {
		case domain.PhaseInProgress:
			details.MarkFailed("interrupted by crash")
			// The retry was spent by the crash, not the phase.
			details.RetryCount--
			interrupted++
		case domain.PhaseQueued:
			details.Status = domain.PhaseNotStarted
		}
	}
	now := time.Now()
	for _, info := range state.Agents {
		if info.Status == domain.AgentAssigned || info.Status == domain.AgentWorking {
			info.Status = domain.AgentTerminated
			info.TerminatedAt = &now
		}
	}

	m.logger.Info("crash recovery complete",
		zap.String("execution_id", state.ExecutionID),
		zap.Int("interrupted_phases", interrupted))
	return state, nil
}

// Delete removes the state file and every backup.
func (m *Manager) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.cfg.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	for _, backup := range m.backupsNewestFirst() {
		os.Remove(backup)
	}
	return nil
}

// StartCheckpointing periodically saves the state returned by snapshot
// until Stop is called. Starting while a loop already runs is a no-op.
func (m *Manager) StartCheckpointing(snapshot func() *domain.ExecutionState) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.stopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	m.stopCh, m.doneCh = stopCh, doneCh

	go func() {
		defer close(doneCh)

		ticker := time.NewTicker(m.cfg.CheckpointInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if state := snapshot(); state != nil {
					if err := m.Save(state); err != nil {
						m.logger.Error("checkpoint failed", zap.Error(err))
					}
				}
			}
		}
	}()
}

// Stop halts the checkpoint loop and waits for it to finish.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	stopCh, doneCh := m.stopCh, m.doneCh
	m.stopCh, m.doneCh = nil, nil
	m.loopMu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}
}

func (m *Manager) loadFile(path string) (*domain.ExecutionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	if doc.State == nil {
		return nil, fmt.Errorf("state file %s has no state body", path)
	}
	if doc.Metadata.SchemaVersion != schemaVersion {
		m.logger.Warn("state file has unexpected schema version",
			zap.String("path", path),
			zap.Int("version", doc.Metadata.SchemaVersion),
			zap.Int("expected", schemaVersion))
	}

	if doc.State.PhaseStates == nil {
		doc.State.PhaseStates = make(map[string]*domain.PhaseExecutionDetails)
	}
	if doc.State.Agents == nil {
		doc.State.Agents = make(map[string]*domain.AgentInfo)
	}
	return doc.State, nil
}

// rotateBackup moves the current state file into the backup ring and
// prunes the ring to MaxBackups entries.
func (m *Manager) rotateBackup() {
	if m.cfg.MaxBackups <= 0 {
		return
	}
	if _, err := os.Stat(m.cfg.FilePath); err != nil {
		return
	}

	backup := fmt.Sprintf("%s.bak-%s", m.cfg.FilePath, time.Now().Format("20060102T150405.000000"))
	if err := os.Rename(m.cfg.FilePath, backup); err != nil {
		m.logger.Warn("failed to rotate state backup", zap.Error(err))
		return
	}

	backups := m.backupsNewestFirst()
	for i := m.cfg.MaxBackups; i < len(backups); i++ {
		os.Remove(backups[i])
	}
}

// backupsNewestFirst lists backups in recovery preference order. The
// timestamp suffix sorts lexicographically.
func (m *Manager) backupsNewestFirst() []string {
	matches, err := filepath.Glob(m.cfg.FilePath + ".bak-*")
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}

func countByStatus(state *domain.ExecutionState) map[string]int {
	counts := make(map[string]int)
	for _, details := range state.PhaseStates {
		counts[string(details.Status)]++
	}
	return counts
}
