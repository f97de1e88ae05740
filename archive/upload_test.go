package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/glacierup/cloud"
	"github.com/coldvault/glacierup/treehash"
)

const mib = 1 << 20

func writeTestFile(t *testing.T, size int) string {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*31 + i/257) % 256)
	}
	path := filepath.Join(t.TempDir(), "archive.bin")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

// expectedTreeHash computes the session tree hash the same way a reference
// implementation would: per-part digests in ascending order, then combined.
func expectedTreeHash(t *testing.T, path string, partSize int) treehash.Digest {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var parts []treehash.Digest
	for start := 0; start < len(data); start += partSize {
		end := start + partSize
		if end > len(data) {
			end = len(data)
		}
		parts = append(parts, treehash.Compute(data[start:end]))
	}
	return treehash.Combine(parts)
}

func testUploader(api *fakeGlacier) *Uploader {
	return NewUploader(api, log.NewLogger(), nil)
}

func multipartParams(path string) UploadParams {
	return UploadParams{
		Vault:       "test-vault",
		FilePath:    path,
		PartSize:    mib,
		Concurrency: 4,
		MaxAttempts: 2,
	}
}

func TestUpload_TenMiBFileInTenParts(t *testing.T) {
	path := writeTestFile(t, 10*mib)
	api := newFakeGlacier()

	result, err := testUploader(api).Upload(context.Background(), multipartParams(path))
	require.NoError(t, err)

	parts, completions, aborts := api.snapshot()
	assert.Equal(t, 10, len(parts))
	assert.Equal(t, 0, aborts)
	require.Len(t, completions, 1)

	assert.Equal(t, int64(10*mib), completions[0].size)
	assert.Equal(t, expectedTreeHash(t, path, mib).String(), completions[0].checksum)

	assert.Equal(t, "archive-1", result.ArchiveID)
	assert.Equal(t, 10, result.PartCount)
	assert.Equal(t, int64(10*mib), result.Size)
}

func TestUpload_TrailingShortPart(t *testing.T) {
	// 10.5 MiB with 1 MiB parts: 11 parts, the last one half-sized. Its
	// digest must cover only the actual trailing bytes.
	path := writeTestFile(t, 10*mib+mib/2)
	api := newFakeGlacier()

	result, err := testUploader(api).Upload(context.Background(), multipartParams(path))
	require.NoError(t, err)
	assert.Equal(t, 11, result.PartCount)

	parts, completions, _ := api.snapshot()
	require.Len(t, completions, 1)
	assert.Equal(t, expectedTreeHash(t, path, mib).String(), completions[0].checksum)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lastRange := fmt.Sprintf("bytes %d-%d/*", 10*mib, len(data)-1)
	assert.Equal(t, treehash.Compute(data[10*mib:]).String(), parts[lastRange])
}

func TestUpload_InitiationFailureCreatesNothing(t *testing.T) {
	path := writeTestFile(t, 6*mib)
	api := newFakeGlacier()
	api.initiateErr = &types.ResourceNotFoundException{Message: aws.String("vault not found")}

	_, err := testUploader(api).Upload(context.Background(), multipartParams(path))

	var initErr *InitiationError
	require.ErrorAs(t, err, &initErr)
	assert.Contains(t, err.Error(), "nothing was created remotely")

	parts, completions, aborts := api.snapshot()
	assert.Empty(t, parts)
	assert.Empty(t, completions)
	assert.Zero(t, aborts)
}

func TestUpload_PermanentPartFailureAborts(t *testing.T) {
	path := writeTestFile(t, 6*mib)
	api := newFakeGlacier()
	api.partErr = &types.ResourceNotFoundException{Message: aws.String("gone")}

	_, err := testUploader(api).Upload(context.Background(), multipartParams(path))

	var uploadErr *UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, "upload-1", uploadErr.UploadID)
	assert.Positive(t, uploadErr.FailedParts)
	assert.NoError(t, uploadErr.AbortErr)
	assert.Contains(t, err.Error(), "was aborted")

	_, completions, aborts := api.snapshot()
	assert.Empty(t, completions, "a failed session must never be completed")
	assert.Equal(t, 1, aborts, "abort must be invoked exactly once")
}

func TestUpload_AbortFailureIsReportedAlongsideOriginalError(t *testing.T) {
	path := writeTestFile(t, 6*mib)
	api := newFakeGlacier()
	api.partErr = &types.ResourceNotFoundException{Message: aws.String("gone")}
	api.abortErr = &types.ResourceNotFoundException{Message: aws.String("abort refused")}

	_, err := testUploader(api).Upload(context.Background(), multipartParams(path))

	var uploadErr *UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Error(t, uploadErr.AbortErr)
	assert.Contains(t, err.Error(), "must be aborted manually")
	assert.Contains(t, err.Error(), "upload-1")
}

func TestUpload_ChecksumMismatchAtCompletion(t *testing.T) {
	path := writeTestFile(t, 6*mib)
	api := newFakeGlacier()
	api.completeErr = &types.InvalidParameterValueException{
		Message: aws.String("Checksum mismatch: expected something else"),
	}

	_, err := testUploader(api).Upload(context.Background(), multipartParams(path))

	var mismatch *ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "upload-1", mismatch.UploadID)

	_, _, aborts := api.snapshot()
	assert.Equal(t, 1, aborts)
}

func TestUpload_SmallFileUsesSingleRequest(t *testing.T) {
	path := writeTestFile(t, 2*mib)
	api := newFakeGlacier()

	result, err := testUploader(api).Upload(context.Background(), multipartParams(path))
	require.NoError(t, err)

	assert.Equal(t, "archive-single", result.ArchiveID)
	assert.Equal(t, 1, api.singleRequests)
	assert.Zero(t, api.initiations, "no multipart session for a small file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, treehash.Compute(data).String(), result.Checksum)
}

func TestUpload_ResumeSkipsVerifiedParts(t *testing.T) {
	path := writeTestFile(t, 6*mib)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	api := newFakeGlacier()
	api.listPartsResult.PartSize = mib
	// Parts 0 and 2 are already uploaded and intact; part 4 is recorded with
	// a stale hash and must be re-uploaded.
	for _, index := range []int{0, 2} {
		api.listPartsResult.Parts = append(api.listPartsResult.Parts, remotePart(data, index, mib))
	}
	stale := remotePart(data, 4, mib)
	stale.SHA256TreeHash = "0000000000000000000000000000000000000000000000000000000000000000"
	api.listPartsResult.Parts = append(api.listPartsResult.Parts, stale)

	params := multipartParams(path)
	params.UploadID = "upload-resumed"
	params.PartSize = 0 // ignored: the session dictates the part size

	result, err := testUploader(api).Upload(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 6, result.PartCount)

	parts, completions, _ := api.snapshot()
	assert.Equal(t, 4, len(parts), "only the four missing parts are uploaded")
	for _, index := range []int{1, 3, 4, 5} {
		byteRange := fmt.Sprintf("bytes %d-%d/*", index*mib, (index+1)*mib-1)
		assert.Contains(t, parts, byteRange)
	}

	require.Len(t, completions, 1)
	assert.Equal(t, "upload-resumed", completions[0].uploadID)
	assert.Equal(t, expectedTreeHash(t, path, mib).String(), completions[0].checksum)
}

func TestValidatePartSize(t *testing.T) {
	tests := []struct {
		name     string
		partSize int64
		wantErr  bool
	}{
		{name: "1 MiB", partSize: mib},
		{name: "8 MiB", partSize: 8 * mib},
		{name: "4 GiB", partSize: 4 << 30},
		{name: "too small", partSize: mib / 2, wantErr: true},
		{name: "too large", partSize: 8 << 30, wantErr: true},
		{name: "not a power of two", partSize: 3 * mib, wantErr: true},
		{name: "zero", partSize: 0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePartSize(tt.partSize)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOrderedDigests(t *testing.T) {
	d0 := treehash.Compute([]byte("zero"))
	d1 := treehash.Compute([]byte("one"))

	ordered, err := orderedDigests(map[int]treehash.Digest{1: d1, 0: d0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []treehash.Digest{d0, d1}, ordered)

	_, err = orderedDigests(map[int]treehash.Digest{0: d0}, 2)
	assert.Error(t, err)

	_, err = orderedDigests(map[int]treehash.Digest{0: d0, 2: d1}, 2)
	assert.Error(t, err)
}

func remotePart(data []byte, index, partSize int) cloud.Part {
	start := index * partSize
	end := start + partSize
	if end > len(data) {
		end = len(data)
	}
	return cloud.Part{
		Range:          fmt.Sprintf("%d-%d", start, end-1),
		SHA256TreeHash: treehash.Compute(data[start:end]).String(),
	}
}
