package partpool

import (
	"sync"
	"time"
)

// Stats aggregates the settled part uploads of a session: how many parts
// finished, how many bytes they carried, and how fast they moved. Updated
// concurrently by the workers, read by the progress logging.
type Stats struct {
	mu            sync.Mutex
	elapsed       time.Duration
	uploadedBytes int64
	finishedParts int64
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{}
}

// Update records one successfully uploaded part.
func (s *Stats) Update(took time.Duration, sizeBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elapsed += took
	s.uploadedBytes += sizeBytes
	s.finishedParts++
}

// Average returns the mean upload duration of finished parts, or zero when
// nothing finished yet.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedParts == 0 {
		return 0
	}
	return s.elapsed / time.Duration(s.finishedParts)
}

// FinishedCount returns the number of finished part uploads.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedParts
}

// UploadedBytes returns the byte total of all finished parts.
func (s *Stats) UploadedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadedBytes
}

// Throughput returns the per-worker upload rate in bytes per second, summed
// over finished parts. Zero until the first part lands.
func (s *Stats) Throughput() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.elapsed == 0 {
		return 0
	}
	return float64(s.uploadedBytes) / s.elapsed.Seconds()
}
