package report

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tunnelbench/tunnelbench/fleet"
	"github.com/tunnelbench/tunnelbench/scenario"
)

const manifestFile = "manifest.json"

// A ManifestStore owns one run's manifest on disk. Every mutation is
// flushed immediately: the write path is the crash-safety mechanism, not
// an optimization target.
type ManifestStore struct {
	mu       sync.Mutex
	dir      string
	manifest *RunManifest
}

// NewManifestStore creates the result directory and an empty manifest for
// a fresh run.
func NewManifestStore(dir string) (*ManifestStore, error) {
	if err := os.MkdirAll(dir, fs.ModePerm); err != nil {
		return nil, err
	}
	s := &ManifestStore{
		dir: dir,
		manifest: &RunManifest{
			RunID:     uuid.NewString(),
			CreatedAt: time.Now().UTC(),
		},
	}
	return s, s.flushLocked()
}

// OpenManifestStore loads an existing manifest so an interrupted run can
// be inspected or resumed.
func OpenManifestStore(dir string) (*ManifestStore, error) {
	data, err := os.ReadFile(path.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	m := &RunManifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &ManifestStore{dir: dir, manifest: m}, nil
}

func (s *ManifestStore) Manifest() *RunManifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest
}

func (s *ManifestStore) Dir() string { return s.dir }

// SetFleet records the fleet descriptor and flushes.
func (s *ManifestStore) SetFleet(f *fleet.Fleet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest.Fleet = DescribeFleet(f)
	return s.flushLocked()
}

// RecordAttempt appends (or updates, by attempt ID) an attempt and
// flushes so a kill right after leaves the attempt on disk.
func (s *ManifestStore) RecordAttempt(a *scenario.RunAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.manifest.Attempts {
		if existing.ID == a.ID {
			s.manifest.Attempts[i] = a
			return s.flushLocked()
		}
	}
	s.manifest.Attempts = append(s.manifest.Attempts, a)
	return s.flushLocked()
}

// RecordMeasurement appends a measurement and flushes. Measurements are
// immutable once written.
func (s *ManifestStore) RecordMeasurement(m *Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest.Measurements = append(s.manifest.Measurements, m)
	return s.flushLocked()
}

// flushLocked writes the manifest atomically: a rename can't leave a
// half-written JSON file behind a crash.
func (s *ManifestStore) flushLocked() error {
	data, err := json.MarshalIndent(s.manifest, "", "  ")
	if err != nil {
		return err
	}
	tmp := path.Join(s.dir, manifestFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path.Join(s.dir, manifestFile))
}

// Path returns the manifest's location on disk.
func (s *ManifestStore) Path() string {
	return path.Join(s.dir, manifestFile)
}
