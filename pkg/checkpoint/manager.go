package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
	"github.com/Sumatoshi-tech/forgemirror/pkg/persist"
)

// MetadataVersion is the current checkpoint metadata format version.
const MetadataVersion = 1

// Sentinel errors for checkpoint validation.
var (
	ErrRepoMismatch    = errors.New("repository mismatch")
	ErrVersionMismatch = errors.New("checkpoint version mismatch")
	ErrExpired         = errors.New("checkpoint expired")
)

// DefaultMaxAge bounds how old a checkpoint may be and still be resumed.
const DefaultMaxAge = 7 * 24 * time.Hour

const dirPerm = 0o750

// RepoHash computes a short hash of the repository id for use as directory name.
func RepoHash(repoID string) string {
	h := sha256.Sum256([]byte(repoID))

	return hex.EncodeToString(h[:8])
}

// Manager owns the checkpoint of one repository.
type Manager struct {
	BaseDir  string
	RepoID   string
	RepoHash string
	MaxAge   time.Duration

	now   func() time.Time
	meta  *persist.Persister[Metadata]
	order *persist.Persister[Order]
}

// NewManager creates a checkpoint manager for repoID under baseDir.
func NewManager(baseDir, repoID string) *Manager {
	return &Manager{
		BaseDir:  baseDir,
		RepoID:   repoID,
		RepoHash: RepoHash(repoID),
		MaxAge:   DefaultMaxAge,
		now:      time.Now,
		meta:     persist.NewPersister[Metadata]("checkpoint", persist.NewJSONCodec()),
		order:    persist.NewPersister[Order]("order", persist.NewLZ4Codec(persist.NewGobCodec())),
	}
}

// CheckpointDir returns the directory for this repository's checkpoint.
func (m *Manager) CheckpointDir() string {
	return filepath.Join(m.BaseDir, m.RepoHash)
}

// MetadataPath returns the path to the metadata file.
func (m *Manager) MetadataPath() string {
	return m.meta.Path(m.CheckpointDir())
}

// Exists reports whether a checkpoint has been written.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.MetadataPath())

	return err == nil
}

// Clear removes the checkpoint.
func (m *Manager) Clear() error {
	if err := os.RemoveAll(m.CheckpointDir()); err != nil {
		return fmt.Errorf("remove checkpoint dir: %w", err)
	}

	return nil
}

// SaveOrder records the captured references and the order to index. Any
// previous progress is discarded.
func (m *Manager) SaveOrder(refs []backend.Ref, order []string) error {
	dir := m.CheckpointDir()

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	if err := m.order.Save(dir, &Order{Refs: refs, Order: order}); err != nil {
		return fmt.Errorf("save order: %w", err)
	}

	now := m.now().UTC().Format(time.RFC3339)

	return m.saveMetadata(&Metadata{
		Version:   MetadataVersion,
		RepoID:    m.RepoID,
		RepoHash:  m.RepoHash,
		Phase:     PhaseRefs,
		Total:     len(order),
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// SaveProgress records that order[:processed] has been handled.
func (m *Manager) SaveProgress(processed int, lastCommit string) error {
	meta, err := m.LoadMetadata()
	if err != nil {
		return err
	}

	meta.Phase = PhaseIndexing
	meta.Processed = processed
	meta.LastCommit = lastCommit
	meta.UpdatedAt = m.now().UTC().Format(time.RFC3339)

	return m.saveMetadata(meta)
}

func (m *Manager) saveMetadata(meta *Metadata) error {
	if err := m.meta.Save(m.CheckpointDir(), meta); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}

	return nil
}

// LoadMetadata loads the checkpoint metadata.
func (m *Manager) LoadMetadata() (*Metadata, error) {
	meta, err := m.meta.Load(m.CheckpointDir())
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	return meta, nil
}

// Load reads the full checkpoint.
func (m *Manager) Load() (*State, error) {
	meta, err := m.LoadMetadata()
	if err != nil {
		return nil, err
	}

	order, err := m.order.Load(m.CheckpointDir())
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}

	if meta.Processed > len(order.Order) {
		return nil, fmt.Errorf("checkpoint progress %d beyond order of %d commits", meta.Processed, len(order.Order))
	}

	return &State{Metadata: *meta, Refs: order.Refs, Order: order.Order}, nil
}

// Validate checks that the checkpoint belongs to repoID, has the current
// format and is younger than MaxAge.
func (m *Manager) Validate(repoID string) error {
	meta, err := m.LoadMetadata()
	if err != nil {
		return err
	}

	if meta.Version != MetadataVersion {
		return fmt.Errorf("%w: checkpoint has %d, want %d", ErrVersionMismatch, meta.Version, MetadataVersion)
	}

	if meta.RepoID != repoID {
		return fmt.Errorf("%w: checkpoint has %q, got %q", ErrRepoMismatch, meta.RepoID, repoID)
	}

	created, err := time.Parse(time.RFC3339, meta.CreatedAt)
	if err != nil {
		return fmt.Errorf("parse checkpoint time: %w", err)
	}

	if m.MaxAge > 0 && m.now().Sub(created) > m.MaxAge {
		return fmt.Errorf("%w: created %s", ErrExpired, meta.CreatedAt)
	}

	return nil
}
