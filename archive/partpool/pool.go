// Package partpool uploads the parts of a multipart session with a bounded
// pool of workers. Parts may finish in any order; callers re-sort the
// collected digests by index before combining them.
package partpool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/coldvault/glacierup/archive/partsource"
	"github.com/coldvault/glacierup/cloud"
	"github.com/coldvault/glacierup/treehash"
)

// UploadPartFunc performs one remote part upload and returns the tree hash
// the service computed for the received bytes.
type UploadPartFunc func(ctx context.Context, byteRange, checksum string, body io.ReadSeeker) (string, error)

// Outcome is the final state of one part after all attempts.
type Outcome struct {
	Digest   treehash.Digest
	Attempts int
	Err      error
}

// Observer is notified once per part when the part settles, successfully or
// not. Calls may arrive from any worker goroutine.
type Observer interface {
	PartCompleted(index int, outcome Outcome)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

// PartCompleted implements Observer.
func (NopObserver) PartCompleted(int, Outcome) {}

// Config holds the pool limits.
type Config struct {
	// Concurrency is the exact number of workers.
	Concurrency int

	// MaxAttempts bounds upload attempts per part, including the first one.
	MaxAttempts int

	// RetryWait is the base backoff between attempts; attempt n waits n times
	// this long.
	RetryWait time.Duration
}

// DefaultConfig mirrors the defaults of the original CLI surface: five
// workers and ten attempts per part.
func DefaultConfig() Config {
	return Config{
		Concurrency: 5,
		MaxAttempts: 10,
		RetryWait:   2 * time.Second,
	}
}

// Pool drains a FIFO queue of part indices with Config.Concurrency workers.
type Pool struct {
	config   Config
	source   *partsource.Source
	upload   UploadPartFunc
	logger   log.Logger
	observer Observer
	stats    *Stats

	stopped atomic.Bool

	mu       sync.Mutex
	digests  map[int]treehash.Digest
	firstErr error
}

// New creates a pool over source. observer may be nil.
func New(config Config, source *partsource.Source, upload UploadPartFunc, logger log.Logger, observer Observer) *Pool {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Pool{
		config:   config,
		source:   source,
		upload:   upload,
		logger:   logger,
		observer: observer,
		stats:    NewStats(),
	}
}

// Stats returns the pool's timing statistics.
func (p *Pool) Stats() *Stats {
	return p.stats
}

// Run uploads every part index of the source except those in skip, whose
// digests are taken as already uploaded. It returns the digests of all
// successful parts keyed by index. When any part fails permanently, workers
// stop dequeuing new indices, in-flight uploads settle, and the first error
// is returned alongside whatever succeeded.
func (p *Pool) Run(ctx context.Context, skip map[int]treehash.Digest) (map[int]treehash.Digest, error) {
	partCount := p.source.PartCount()

	p.digests = make(map[int]treehash.Digest, partCount)
	for index, digest := range skip {
		if index < 0 || index >= partCount {
			return nil, fmt.Errorf("skip index %d out of range [0, %d)", index, partCount)
		}
		p.digests[index] = digest
	}

	jobs := make(chan int, partCount)
	for index := 0; index < partCount; index++ {
		if _, done := skip[index]; !done {
			jobs <- index
		}
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < p.config.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, jobs, partCount)
		}()
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.firstErr != nil {
		return p.digests, p.firstErr
	}
	return p.digests, nil
}

func (p *Pool) work(ctx context.Context, jobs <-chan int, partCount int) {
	for index := range jobs {
		// A permanent failure elsewhere stops dispatch, but indices already
		// being uploaded by other workers are left to settle.
		if p.stopped.Load() {
			continue
		}

		outcome := p.uploadPartWithRetry(ctx, index, partCount)
		p.observer.PartCompleted(index, outcome)

		p.mu.Lock()
		if outcome.Err == nil {
			p.digests[index] = outcome.Digest
		} else if p.firstErr == nil {
			p.firstErr = fmt.Errorf("part %d failed after %d attempts: %w", index, outcome.Attempts, outcome.Err)
		}
		p.mu.Unlock()

		if outcome.Err != nil {
			p.stopped.Store(true)
		}
	}
}

func (p *Pool) uploadPartWithRetry(ctx context.Context, index, partCount int) Outcome {
	var lastErr error

	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Attempts: attempt - 1, Err: fmt.Errorf("part %d cancelled: %w", index, err)}
		}

		p.logger.Debugf("Uploading part %d/%d (attempt %d/%d) [finished=%d] [avg=%v] [%s/s]",
			index+1, partCount, attempt, p.config.MaxAttempts,
			p.stats.FinishedCount(), p.stats.Average().Round(time.Second),
			units.HumanSizeWithPrecision(p.stats.Throughput(), 3))

		// Re-read on every attempt: the previous attempt may have failed
		// mid-stream, and the range is cheap to read again.
		data, err := p.source.ReadPart(index)
		if err != nil {
			// A local read error means the source changed under us. Fatal.
			return Outcome{Attempts: attempt, Err: err}
		}

		digest := treehash.Compute(data)
		byteRange, err := p.source.ContentRange(index)
		if err != nil {
			return Outcome{Attempts: attempt, Err: err}
		}

		start := time.Now()
		remoteChecksum, err := p.upload(ctx, byteRange, digest.String(), bytes.NewReader(data))
		if err == nil && (remoteChecksum == "" || remoteChecksum == digest.String()) {
			took := time.Since(start)
			p.stats.Update(took, int64(len(data)))
			p.logger.Debugf("Part %d/%d uploaded in %v", index+1, partCount, took.Round(time.Second))
			return Outcome{Digest: digest, Attempts: attempt}
		}

		if err != nil {
			if !cloud.IsTransient(err) {
				return Outcome{Attempts: attempt, Err: err}
			}
			lastErr = err
			p.logger.Warnf("Part %d attempt %d failed: %v", index+1, attempt, err)
		} else {
			// The service received different bytes than we hashed. Treated
			// like any transient transfer fault: back off, re-read, re-upload.
			lastErr = fmt.Errorf("part %d: local tree hash %s, service reported %s", index, digest, remoteChecksum)
			p.logger.Warnf("Checksum mismatch on part %d attempt %d, retrying", index+1, attempt)
		}

		if attempt < p.config.MaxAttempts {
			backoff := time.Duration(attempt) * p.config.RetryWait
			select {
			case <-ctx.Done():
				return Outcome{Attempts: attempt, Err: fmt.Errorf("part %d cancelled: %w", index, ctx.Err())}
			case <-time.After(backoff):
			}
		}
	}

	return Outcome{Attempts: p.config.MaxAttempts, Err: lastErr}
}
