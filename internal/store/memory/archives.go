package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ajmather/captureq/internal/capture"
)

// ArchiveStore is an in-memory capture.ArchiveStore.
type ArchiveStore struct {
	mu       sync.Mutex
	archives map[uuid.UUID]capture.Archive
	clock    capture.Clock
}

// NewArchiveStore constructs an ArchiveStore.
func NewArchiveStore(clock capture.Clock) *ArchiveStore {
	return &ArchiveStore{
		archives: make(map[uuid.UUID]capture.Archive),
		clock:    clock,
	}
}

// CreateArchive stores the archive record for a job. One archive per job.
func (s *ArchiveStore) CreateArchive(_ context.Context, archive *capture.Archive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.archives[archive.JobID]; exists {
		return fmt.Errorf("archive for job %s already exists", archive.JobID)
	}
	archive.CreatedAt = s.clock.Now()
	s.archives[archive.JobID] = *archive
	return nil
}

// GetArchiveByJob fetches the archive for a job, if one exists.
func (s *ArchiveStore) GetArchiveByJob(_ context.Context, jobID uuid.UUID) (capture.Archive, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	archive, ok := s.archives[jobID]
	return archive, ok, nil
}
