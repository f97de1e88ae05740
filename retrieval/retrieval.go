// Package retrieval drives Glacier's asynchronous job workflow: initiate an
// archive or inventory retrieval job, poll its status, and stream the output
// once the service has staged it. Jobs complete on the service's own
// schedule, typically hours after initiation, so polling is cheap and
// infrequent and the poller itself never blocks between polls.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/coldvault/glacierup/cloud"
	"github.com/coldvault/glacierup/treehash"
)

const (
	// DefaultPollInterval is a sensible fixed polling cadence. Retrieval
	// jobs run for hours; exponential backoff buys nothing here.
	DefaultPollInterval = 15 * time.Minute

	// DefaultSegmentSize is the bounded size of output segments.
	DefaultSegmentSize = 1 << 20

	numRemoteCallRetries = 3
	remoteCallRetryWait  = 5 * time.Second
)

// ErrNotReady is returned by FetchOutput while the job is still running.
// Distinct from a failed job: the caller should keep polling.
var ErrNotReady = errors.New("job output is not ready yet")

// InitiationError means the job could not be created, e.g. because the vault
// or archive does not exist. Never retried.
type InitiationError struct {
	Err error
}

func (e *InitiationError) Error() string {
	return fmt.Sprintf("initiate retrieval job: %v", e.Err)
}

func (e *InitiationError) Unwrap() error {
	return e.Err
}

// JobFailedError is the terminal failure state of a job.
type JobFailedError struct {
	JobID   string
	Message string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

// ChecksumError means the streamed output did not hash to the checksum the
// service advertised for it.
type ChecksumError struct {
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("output tree hash %s does not match expected %s", e.Actual, e.Expected)
}

// Status is a point-in-time snapshot of a retrieval job.
type Status struct {
	Code      string
	Message   string
	Completed bool
	SizeBytes int64
}

// Job status codes as reported by the service.
const (
	StatusInProgress = "InProgress"
	StatusSucceeded  = "Succeeded"
	StatusFailed     = "Failed"
)

// Terminal reports whether the job reached a final state.
func (s Status) Terminal() bool {
	return s.Code == StatusSucceeded || s.Code == StatusFailed
}

// Succeeded reports whether the job completed and its output is available.
func (s Status) Succeeded() bool {
	return s.Code == StatusSucceeded
}

// Poller observes retrieval jobs. It keeps no state of its own: the job
// identifier is the only handle, and it lives in the remote service.
type Poller struct {
	api    cloud.API
	logger log.Logger
}

// NewPoller creates a Poller.
func NewPoller(api cloud.API, logger log.Logger) *Poller {
	return &Poller{api: api, logger: logger}
}

// Initiate creates a retrieval job and returns its service-assigned ID.
func (p *Poller) Initiate(ctx context.Context, vault string, params cloud.JobParams) (string, error) {
	var jobID string
	err := retry.Times(numRemoteCallRetries).Wait(remoteCallRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		var initErr error
		jobID, initErr = p.api.InitiateJob(ctx, vault, params)
		if initErr != nil {
			return initErr, !cloud.IsTransient(initErr)
		}
		return nil, false
	})
	if err != nil {
		return "", &InitiationError{Err: err}
	}

	p.logger.Infof("Initiated %s job %s", params.Kind, jobID)
	return jobID, nil
}

// Poll performs a single status check and returns immediately. The caller
// owns the polling interval and the overall patience.
func (p *Poller) Poll(ctx context.Context, vault, jobID string) (Status, error) {
	var described cloud.JobStatus
	err := retry.Times(numRemoteCallRetries).Wait(remoteCallRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		var describeErr error
		described, describeErr = p.api.DescribeJob(ctx, vault, jobID)
		if describeErr != nil {
			return describeErr, !cloud.IsTransient(describeErr)
		}
		return nil, false
	})
	if err != nil {
		return Status{}, fmt.Errorf("describe job %s: %w", jobID, err)
	}

	return Status{
		Code:      described.StatusCode,
		Message:   described.StatusMessage,
		Completed: described.Completed,
		SizeBytes: described.SizeBytes,
	}, nil
}

// Wait polls at the given interval until the job reaches a terminal state or
// ctx is cancelled. Cancelling has no effect on the remote job, which keeps
// running.
func (p *Poller) Wait(ctx context.Context, vault, jobID string, interval time.Duration) (Status, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	for {
		status, err := p.Poll(ctx, vault, jobID)
		if err != nil {
			return Status{}, err
		}
		if status.Terminal() {
			return status, nil
		}

		p.logger.Infof("Job %s is %s, next poll in %v", jobID, status.Code, interval)
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// FetchOutput opens the output stream of a succeeded job. It fails with
// ErrNotReady while the job is still running and with JobFailedError once
// the job failed terminally. The returned stream must be closed.
func (p *Poller) FetchOutput(ctx context.Context, vault, jobID string, segmentSize int) (*OutputStream, error) {
	status, err := p.Poll(ctx, vault, jobID)
	if err != nil {
		return nil, err
	}
	if status.Code == StatusFailed {
		return nil, &JobFailedError{JobID: jobID, Message: status.Message}
	}
	if !status.Succeeded() {
		return nil, fmt.Errorf("%w (job %s is %s)", ErrNotReady, jobID, status.Code)
	}

	output, err := p.api.GetJobOutput(ctx, vault, jobID, "")
	if err != nil {
		return nil, fmt.Errorf("open output of job %s: %w", jobID, err)
	}

	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	return &OutputStream{
		body:        output.Body,
		segmentSize: segmentSize,
		contentType: output.ContentType,
		checksum:    output.Checksum,
	}, nil
}

// OutputStream is a forward-only sequence of bounded byte segments. It never
// holds more than one segment in memory, since retrieval output can be as
// large as the archived data itself.
type OutputStream struct {
	body        io.ReadCloser
	segmentSize int
	contentType string
	checksum    string
}

// ContentType returns the content type the service reported for the output.
func (o *OutputStream) ContentType() string {
	return o.contentType
}

// Checksum returns the tree hash the service advertised for the output, or
// empty when none applies (inventory output has no checksum).
func (o *OutputStream) Checksum() string {
	return o.checksum
}

// Next returns the next segment, at most segmentSize bytes. The final
// segment may be shorter; after it, Next returns io.EOF.
func (o *OutputStream) Next() ([]byte, error) {
	buf := make([]byte, o.segmentSize)
	n, err := io.ReadFull(o.body, buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return nil, err
}

// WriteTo streams the entire remaining output to w, verifying the service
// checksum on the fly when one was advertised. Implements io.WriterTo.
func (o *OutputStream) WriteTo(w io.Writer) (int64, error) {
	digest, n, err := treehash.ComputeReader(io.TeeReader(o.body, w))
	if err != nil {
		return n, err
	}

	if o.checksum != "" && digest.String() != o.checksum {
		return n, &ChecksumError{Expected: o.checksum, Actual: digest.String()}
	}
	return n, nil
}

// Close releases the underlying stream.
func (o *OutputStream) Close() error {
	return o.body.Close()
}
