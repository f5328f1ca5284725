// Package referencesnapshots persists reference price snapshots in a write-ahead log
// so percent-change decoration survives restarts.
package referencesnapshots

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/accountmirror/internal/domain"
	"github.com/vadiminshakov/gowal"
)

const (
	defaultDir       = "./wal/reference"
	segmentThreshold = 1000
	maxSegments      = 10
	keyPrefix        = "reference_snapshot"
)

var errNotInitialized = errors.New("reference snapshot store is not initialized")

// WALStore keeps every captured snapshot; only the latest one is ever read back.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore opens (or creates) the log under dir.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "reference_",
		SegmentThreshold: segmentThreshold,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init reference snapshot WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Save appends snapshot to the log.
func (s *WALStore) Save(snapshot domain.ReferenceSnapshot) error {
	if s == nil || s.wal == nil {
		return errNotInitialized
	}
	if snapshot.Empty() {
		return errors.New("reference snapshot is empty")
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "marshal reference snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Write(s.wal.CurrentIndex()+1, keyPrefix, payload)
}

// Latest returns the most recently saved snapshot. ok is false when none was stored.
func (s *WALStore) Latest() (snapshot domain.ReferenceSnapshot, ok bool, err error) {
	if s == nil || s.wal == nil {
		return snapshot, false, errNotInitialized
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest []byte
	for msg := range s.wal.Iterator() {
		if strings.HasPrefix(msg.Key, keyPrefix) {
			latest = msg.Value
		}
	}
	if latest == nil {
		return snapshot, false, nil
	}
	if err := json.Unmarshal(latest, &snapshot); err != nil {
		return snapshot, false, errors.Wrap(err, "decode reference snapshot")
	}

	return snapshot, true, nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errNotInitialized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
