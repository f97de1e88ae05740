// Package archive owns the upload session lifecycle: initiate a multipart
// session, push all parts through the worker pool, combine the part digests
// into the session tree hash, and complete, or abort on any failure.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/coldvault/glacierup/archive/partpool"
	"github.com/coldvault/glacierup/archive/partsource"
	"github.com/coldvault/glacierup/cloud"
	"github.com/coldvault/glacierup/treehash"
)

const (
	// MinPartSize and MaxPartSize are the part size limits of the service.
	MinPartSize = 1 << 20 // 1 MiB
	MaxPartSize = 4 << 30 // 4 GiB

	// singleRequestThreshold is the size at or below which the archive is
	// uploaded with one UploadArchive call instead of a multipart session.
	singleRequestThreshold = 4 << 20

	numRemoteCallRetries = 3
	remoteCallRetryWait  = 5 * time.Second
)

// UploadParams describes one upload.
type UploadParams struct {
	Vault       string
	FilePath    string
	Description string
	// PartSize in bytes; must be a power of two within [MinPartSize, MaxPartSize].
	PartSize    int64
	Concurrency int
	MaxAttempts int
	// UploadID resumes an interrupted session instead of initiating a new
	// one. The part size recorded in the remote session wins over PartSize.
	UploadID string
}

// UploadResult identifies the stored archive.
type UploadResult struct {
	ArchiveID string
	Checksum  string
	Location  string
	PartCount int
	Size      int64
}

// Uploader runs upload sessions against a Glacier vault.
type Uploader struct {
	api      cloud.API
	logger   log.Logger
	observer partpool.Observer
}

// NewUploader creates an Uploader. observer may be nil; it is told about
// every settled part in addition to the built-in progress logging.
func NewUploader(api cloud.API, logger log.Logger, observer partpool.Observer) *Uploader {
	return &Uploader{api: api, logger: logger, observer: observer}
}

// ValidatePartSize checks the service's part size constraints.
func ValidatePartSize(partSize int64) error {
	if partSize < MinPartSize || partSize > MaxPartSize {
		return fmt.Errorf("part size must be between 1 MiB and 4 GiB, got %s", units.BytesSize(float64(partSize)))
	}
	if partSize&(partSize-1) != 0 {
		return fmt.Errorf("part size must be a power of two, got %d", partSize)
	}
	return nil
}

// Upload stores the file at params.FilePath in the vault and returns the
// archive identity. On failure after the session was initiated, the session
// is aborted before the error is returned; an abort failure is carried inside
// the returned error, never masking the original one.
func (u *Uploader) Upload(ctx context.Context, params UploadParams) (*UploadResult, error) {
	var remoteParts *cloud.PartList
	if params.UploadID != "" {
		list, err := u.fetchRemoteParts(ctx, params.Vault, params.UploadID)
		if err != nil {
			return nil, err
		}
		// The session's part size is immutable; whatever was requested on
		// the command line no longer applies.
		params.PartSize = list.PartSize
		remoteParts = &list
	}

	if err := ValidatePartSize(params.PartSize); err != nil {
		return nil, err
	}

	src, err := partsource.Open(params.FilePath, params.PartSize)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	u.logger.Infof("File size is %s",
		units.HumanSizeWithPrecision(float64(src.TotalSize()), 3))

	if src.TotalSize() <= singleRequestThreshold && params.UploadID == "" {
		return u.uploadSingleRequest(ctx, params, src)
	}
	return u.uploadMultipart(ctx, params, src, remoteParts)
}

func (u *Uploader) uploadSingleRequest(ctx context.Context, params UploadParams, src *partsource.Source) (*UploadResult, error) {
	u.logger.Infof("Small file, uploading in one request...")

	data, err := readAll(src)
	if err != nil {
		return nil, err
	}
	checksum := treehash.Compute(data)

	var stored cloud.Archive
	err = retry.Times(numRemoteCallRetries).Wait(remoteCallRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		var uploadErr error
		stored, uploadErr = u.api.UploadArchive(ctx, params.Vault, params.Description, checksum.String(), bytes.NewReader(data))
		if uploadErr != nil {
			return uploadErr, !cloud.IsTransient(uploadErr)
		}
		return nil, false
	})
	if err != nil {
		return nil, &InitiationError{Err: err}
	}

	u.logger.Donef("Uploaded. Archive ID: %s", stored.ID)
	return &UploadResult{
		ArchiveID: stored.ID,
		Checksum:  stored.Checksum,
		Location:  stored.Location,
		PartCount: 1,
		Size:      src.TotalSize(),
	}, nil
}

func (u *Uploader) uploadMultipart(ctx context.Context, params UploadParams, src *partsource.Source, remoteParts *cloud.PartList) (*UploadResult, error) {
	var (
		uploadID string
		skip     map[int]treehash.Digest
		err      error
	)

	if params.UploadID == "" {
		uploadID, err = u.api.InitiateMultipartUpload(ctx, params.Vault, params.Description, params.PartSize)
		if err != nil {
			return nil, &InitiationError{Err: err}
		}
		u.logger.Infof("Initiated multipart upload %s", uploadID)
		u.logger.Infof("Will upload in %d part(s) of %s",
			src.PartCount(), units.BytesSize(float64(params.PartSize)))
	} else {
		uploadID = params.UploadID
		u.logger.Infof("Resuming multipart upload %s", uploadID)
		skip = u.verifyUploadedParts(src, remoteParts)
		u.logger.Infof("%d of %d part(s) already uploaded, %d to go",
			len(skip), src.PartCount(), src.PartCount()-len(skip))
	}

	poolConfig := partpool.DefaultConfig()
	if params.Concurrency > 0 {
		poolConfig.Concurrency = params.Concurrency
	}
	if params.MaxAttempts > 0 {
		poolConfig.MaxAttempts = params.MaxAttempts
	}

	observer := newProgressLogger(u.logger, src.PartCount(), u.observer)
	pool := partpool.New(poolConfig, src, u.partUploadFunc(params.Vault, uploadID), u.logger, observer)

	digests, poolErr := pool.Run(ctx, skip)
	if poolErr != nil {
		uploadErr := &UploadError{
			UploadID:    uploadID,
			FailedParts: src.PartCount() - len(digests),
			Err:         poolErr,
		}
		uploadErr.AbortErr = u.abortSession(ctx, params.Vault, uploadID)
		return nil, uploadErr
	}

	return u.complete(ctx, params.Vault, uploadID, src, digests)
}

func (u *Uploader) complete(ctx context.Context, vault, uploadID string, src *partsource.Source, digests map[int]treehash.Digest) (*UploadResult, error) {
	ordered, err := orderedDigests(digests, src.PartCount())
	if err != nil {
		wrapped := &UploadError{UploadID: uploadID, FailedParts: src.PartCount() - len(digests), Err: err}
		wrapped.AbortErr = u.abortSession(ctx, vault, uploadID)
		return nil, wrapped
	}

	checksum := treehash.Combine(ordered)
	u.logger.Infof("Completing multipart upload, tree hash %s", checksum)

	var stored cloud.Archive
	err = retry.Times(numRemoteCallRetries).Wait(remoteCallRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		var completeErr error
		stored, completeErr = u.api.CompleteMultipartUpload(ctx, vault, uploadID, src.TotalSize(), checksum.String())
		if completeErr != nil {
			return completeErr, !cloud.IsTransient(completeErr)
		}
		return nil, false
	})
	if err != nil {
		if cloud.IsChecksumMismatch(err) {
			mismatch := &ChecksumMismatchError{UploadID: uploadID, Checksum: checksum.String(), Err: err}
			mismatch.AbortErr = u.abortSession(ctx, vault, uploadID)
			return nil, mismatch
		}
		wrapped := &UploadError{UploadID: uploadID, Err: err}
		wrapped.AbortErr = u.abortSession(ctx, vault, uploadID)
		return nil, wrapped
	}

	u.logger.Donef("Upload successful. Archive ID: %s", stored.ID)
	if stored.Checksum != "" && stored.Checksum != checksum.String() {
		u.logger.Warnf("Service reported tree hash %s, local is %s", stored.Checksum, checksum)
	}

	return &UploadResult{
		ArchiveID: stored.ID,
		Checksum:  checksum.String(),
		Location:  stored.Location,
		PartCount: src.PartCount(),
		Size:      src.TotalSize(),
	}, nil
}

func (u *Uploader) partUploadFunc(vault, uploadID string) partpool.UploadPartFunc {
	return func(ctx context.Context, byteRange, checksum string, body io.ReadSeeker) (string, error) {
		return u.api.UploadPart(ctx, vault, uploadID, byteRange, checksum, body)
	}
}

// abortSession releases the remote session after a failed upload. The
// returned error is reported alongside the original failure, never instead
// of it.
func (u *Uploader) abortSession(ctx context.Context, vault, uploadID string) error {
	u.logger.Infof("Aborting multipart upload %s", uploadID)

	err := retry.Times(numRemoteCallRetries).Wait(remoteCallRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		abortErr := u.api.AbortMultipartUpload(ctx, vault, uploadID)
		if abortErr != nil {
			return abortErr, !cloud.IsTransient(abortErr)
		}
		return nil, false
	})
	if err != nil {
		u.logger.Errorf("Abort of session %s failed: %v", uploadID, err)
		return err
	}

	u.logger.Infof("Session aborted, no archive was created")
	return nil
}

func orderedDigests(digests map[int]treehash.Digest, partCount int) ([]treehash.Digest, error) {
	if len(digests) != partCount {
		return nil, fmt.Errorf("have digests for %d of %d parts", len(digests), partCount)
	}

	indices := make([]int, 0, len(digests))
	for index := range digests {
		indices = append(indices, index)
	}
	sort.Ints(indices)

	ordered := make([]treehash.Digest, 0, len(indices))
	for want, index := range indices {
		if index != want {
			return nil, fmt.Errorf("missing digest for part %d", want)
		}
		ordered = append(ordered, digests[index])
	}
	return ordered, nil
}

func readAll(src *partsource.Source) ([]byte, error) {
	data := make([]byte, 0, src.TotalSize())
	for i := 0; i < src.PartCount(); i++ {
		part, err := src.ReadPart(i)
		if err != nil {
			return nil, err
		}
		data = append(data, part...)
	}
	return data, nil
}

// progressLogger reports completed parts at info level and forwards every
// outcome to an optional wrapped observer.
type progressLogger struct {
	logger log.Logger
	total  int
	next   partpool.Observer
	done   atomic.Int64
}

func newProgressLogger(logger log.Logger, total int, next partpool.Observer) *progressLogger {
	return &progressLogger{logger: logger, total: total, next: next}
}

// PartCompleted implements partpool.Observer.
func (p *progressLogger) PartCompleted(index int, outcome partpool.Outcome) {
	if outcome.Err == nil {
		done := p.done.Add(1)
		p.logger.Infof("Uploaded part %d of %d (%.1f%%)", index+1, p.total, float64(done)/float64(p.total)*100)
	}
	if p.next != nil {
		p.next.PartCompleted(index, outcome)
	}
}
