package archive

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/coldvault/glacierup/cloud"
)

type completeCall struct {
	uploadID string
	size     int64
	checksum string
}

// fakeGlacier is a scriptable in-memory stand-in for the Glacier API.
type fakeGlacier struct {
	mu sync.Mutex

	initiateErr error
	partErr     error
	completeErr error
	abortErr    error
	archiveErr  error

	listPartsResult cloud.PartList
	listPartsErr    error

	initiations    int
	uploadedParts  map[string]string // byteRange -> checksum as received
	completions    []completeCall
	aborts         int
	singleRequests int
}

func newFakeGlacier() *fakeGlacier {
	return &fakeGlacier{uploadedParts: make(map[string]string)}
}

func (f *fakeGlacier) InitiateMultipartUpload(ctx context.Context, vault, description string, partSize int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initiateErr != nil {
		return "", f.initiateErr
	}
	f.initiations++
	return fmt.Sprintf("upload-%d", f.initiations), nil
}

func (f *fakeGlacier) UploadPart(ctx context.Context, vault, uploadID, byteRange, checksum string, body io.ReadSeeker) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.partErr != nil {
		return "", f.partErr
	}
	f.uploadedParts[byteRange] = checksum
	return checksum, nil
}

func (f *fakeGlacier) CompleteMultipartUpload(ctx context.Context, vault, uploadID string, archiveSize int64, checksum string) (cloud.Archive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return cloud.Archive{}, f.completeErr
	}
	f.completions = append(f.completions, completeCall{uploadID: uploadID, size: archiveSize, checksum: checksum})
	return cloud.Archive{ID: "archive-1", Checksum: checksum, Location: "/vault/archive-1"}, nil
}

func (f *fakeGlacier) AbortMultipartUpload(ctx context.Context, vault, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.abortErr != nil {
		return f.abortErr
	}
	f.aborts++
	return nil
}

func (f *fakeGlacier) UploadArchive(ctx context.Context, vault, description, checksum string, body io.ReadSeeker) (cloud.Archive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.archiveErr != nil {
		return cloud.Archive{}, f.archiveErr
	}
	f.singleRequests++
	return cloud.Archive{ID: "archive-single", Checksum: checksum, Location: "/vault/archive-single"}, nil
}

func (f *fakeGlacier) ListUploads(ctx context.Context, vault string) ([]cloud.UploadSummary, error) {
	return nil, nil
}

func (f *fakeGlacier) ListParts(ctx context.Context, vault, uploadID string) (cloud.PartList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listPartsErr != nil {
		return cloud.PartList{}, f.listPartsErr
	}
	return f.listPartsResult, nil
}

func (f *fakeGlacier) InitiateJob(ctx context.Context, vault string, params cloud.JobParams) (string, error) {
	return "", fmt.Errorf("not supported by this fake")
}

func (f *fakeGlacier) DescribeJob(ctx context.Context, vault, jobID string) (cloud.JobStatus, error) {
	return cloud.JobStatus{}, fmt.Errorf("not supported by this fake")
}

func (f *fakeGlacier) GetJobOutput(ctx context.Context, vault, jobID, byteRange string) (cloud.JobOutput, error) {
	return cloud.JobOutput{}, fmt.Errorf("not supported by this fake")
}

func (f *fakeGlacier) DeleteArchive(ctx context.Context, vault, archiveID string) error {
	return fmt.Errorf("not supported by this fake")
}

func (f *fakeGlacier) snapshot() (parts map[string]string, completions []completeCall, aborts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts = make(map[string]string, len(f.uploadedParts))
	for k, v := range f.uploadedParts {
		parts[k] = v
	}
	return parts, append([]completeCall(nil), f.completions...), f.aborts
}
