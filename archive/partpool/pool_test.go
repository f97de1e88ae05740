package partpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/glacierup/archive/partsource"
	"github.com/coldvault/glacierup/treehash"
)

func testSource(t *testing.T, totalSize int, partSize int64) *partsource.Source {
	t.Helper()

	data := make([]byte, totalSize)
	for i := range data {
		data[i] = byte(i % 241)
	}
	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, data, 0600))

	src, err := partsource.Open(path, partSize)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	return src
}

// rangeStart extracts the starting offset from "bytes <start>-<end>/*".
func rangeStart(byteRange string) int64 {
	trimmed := strings.TrimPrefix(byteRange, "bytes ")
	var start, end int64
	fmt.Sscanf(trimmed, "%d-%d/*", &start, &end)
	return start
}

func fastConfig(concurrency int) Config {
	return Config{Concurrency: concurrency, MaxAttempts: 3, RetryWait: time.Millisecond}
}

func TestRun_UploadsAllParts(t *testing.T) {
	src := testSource(t, 4500, 1024)

	var calls int32
	upload := func(ctx context.Context, byteRange, checksum string, body io.ReadSeeker) (string, error) {
		atomic.AddInt32(&calls, 1)
		return checksum, nil
	}

	pool := New(fastConfig(3), src, upload, log.NewLogger(), nil)
	digests, err := pool.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 5, len(digests))
	assert.Equal(t, int32(5), calls)
	for i := 0; i < 5; i++ {
		part, err := src.ReadPart(i)
		require.NoError(t, err)
		assert.Equal(t, treehash.Compute(part), digests[i], "digest of part %d", i)
	}
	assert.Equal(t, int64(5), pool.Stats().FinishedCount())
	assert.Equal(t, int64(4500), pool.Stats().UploadedBytes())
}

func TestRun_ConcurrencyIsBounded(t *testing.T) {
	src := testSource(t, 16*1024, 1024)

	var inFlight, peak int32
	upload := func(ctx context.Context, byteRange, checksum string, body io.ReadSeeker) (string, error) {
		current := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&peak)
			if current <= max || atomic.CompareAndSwapInt32(&peak, max, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return checksum, nil
	}

	pool := New(fastConfig(4), src, upload, log.NewLogger(), nil)
	_, err := pool.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.LessOrEqual(t, peak, int32(4))
}

func TestRun_TransientFailuresAreRetried(t *testing.T) {
	src := testSource(t, 2048, 1024)

	var mu sync.Mutex
	failuresLeft := map[int64]int{0: 2} // part 0 fails twice, then succeeds
	upload := func(ctx context.Context, byteRange, checksum string, body io.ReadSeeker) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if failuresLeft[rangeStart(byteRange)] > 0 {
			failuresLeft[rangeStart(byteRange)]--
			return "", errors.New("connection reset")
		}
		return checksum, nil
	}

	var outcomes sync.Map
	observer := observerFunc(func(index int, outcome Outcome) { outcomes.Store(index, outcome) })

	pool := New(fastConfig(2), src, upload, log.NewLogger(), observer)
	digests, err := pool.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, len(digests))

	raw, ok := outcomes.Load(0)
	require.True(t, ok)
	assert.Equal(t, 3, raw.(Outcome).Attempts)
	assert.NoError(t, raw.(Outcome).Err)
}

func TestRun_ChecksumMismatchIsRetried(t *testing.T) {
	src := testSource(t, 1024, 1024)

	var calls int32
	upload := func(ctx context.Context, byteRange, checksum string, body io.ReadSeeker) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return strings.Repeat("0", 64), nil // wrong hash from the service
		}
		return checksum, nil
	}

	pool := New(fastConfig(1), src, upload, log.NewLogger(), nil)
	digests, err := pool.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, len(digests))
	assert.Equal(t, int32(2), calls)
}

func TestRun_ChecksumMismatchBacksOffBeforeRetry(t *testing.T) {
	src := testSource(t, 1024, 1024)

	retryWait := 40 * time.Millisecond
	var calls int32
	upload := func(ctx context.Context, byteRange, checksum string, body io.ReadSeeker) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return strings.Repeat("0", 64), nil
		}
		return checksum, nil
	}

	pool := New(Config{Concurrency: 1, MaxAttempts: 3, RetryWait: retryWait}, src, upload, log.NewLogger(), nil)
	start := time.Now()
	_, err := pool.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls)
	assert.GreaterOrEqual(t, time.Since(start), retryWait,
		"a rejected digest must wait out the backoff like any transient failure")
}

func TestRun_ExhaustedRetriesStopDispatch(t *testing.T) {
	src := testSource(t, 8*1024, 1024)

	var calls int32
	upload := func(ctx context.Context, byteRange, checksum string, body io.ReadSeeker) (string, error) {
		atomic.AddInt32(&calls, 1)
		if rangeStart(byteRange) == 0 {
			return "", errors.New("persistent server error")
		}
		return checksum, nil
	}

	pool := New(Config{Concurrency: 1, MaxAttempts: 2, RetryWait: time.Millisecond}, src, upload, log.NewLogger(), nil)
	digests, err := pool.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")

	// With one worker, nothing after the failing head of the queue may be
	// dispatched.
	assert.Empty(t, digests)
	assert.Equal(t, int32(2), calls)
}

func TestRun_FatalErrorIsNotRetried(t *testing.T) {
	src := testSource(t, 2048, 1024)

	var calls int32
	upload := func(ctx context.Context, byteRange, checksum string, body io.ReadSeeker) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", &types.ResourceNotFoundException{Message: awsString("no such vault")}
	}

	pool := New(Config{Concurrency: 1, MaxAttempts: 5, RetryWait: time.Millisecond}, src, upload, log.NewLogger(), nil)
	_, err := pool.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls, "not-found must fail on the first attempt")
}

func TestRun_SkippedPartsAreNotUploaded(t *testing.T) {
	src := testSource(t, 4096, 1024)

	part1, err := src.ReadPart(1)
	require.NoError(t, err)
	skip := map[int]treehash.Digest{1: treehash.Compute(part1)}

	var uploaded sync.Map
	upload := func(ctx context.Context, byteRange, checksum string, body io.ReadSeeker) (string, error) {
		uploaded.Store(rangeStart(byteRange), true)
		return checksum, nil
	}

	pool := New(fastConfig(2), src, upload, log.NewLogger(), nil)
	digests, err := pool.Run(context.Background(), skip)
	require.NoError(t, err)

	assert.Equal(t, 4, len(digests), "skipped part still contributes its digest")
	_, wasUploaded := uploaded.Load(int64(1024))
	assert.False(t, wasUploaded)
}

func TestRun_CancelledContext(t *testing.T) {
	src := testSource(t, 4096, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	upload := func(ctx context.Context, byteRange, checksum string, body io.ReadSeeker) (string, error) {
		return checksum, nil
	}

	pool := New(fastConfig(2), src, upload, log.NewLogger(), nil)
	_, err := pool.Run(ctx, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

type observerFunc func(index int, outcome Outcome)

func (f observerFunc) PartCompleted(index int, outcome Outcome) { f(index, outcome) }

func awsString(s string) *string { return &s }
