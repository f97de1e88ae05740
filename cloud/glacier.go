// Package cloud wraps the AWS Glacier service client behind a narrow
// interface so the upload and retrieval engines can be exercised against
// fakes. Only the operations this tool needs are exposed, with the SDK's
// pointer-heavy types flattened into plain values.
package cloud

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
)

// accountID "-" means "the account owning the credentials" in every Glacier
// request.
const defaultAccountID = "-"

// Archive identifies a stored archive after a successful upload.
type Archive struct {
	ID       string
	Checksum string
	Location string
}

// UploadSummary describes one in-progress multipart upload session.
type UploadSummary struct {
	ID           string
	Description  string
	CreationDate string
	PartSize     int64
}

// Part is one already-uploaded part of a multipart session.
type Part struct {
	Range          string
	SHA256TreeHash string
}

// PartList is the full part inventory of a session. PartSize is the part
// size the session was initiated with.
type PartList struct {
	Parts       []Part
	PartSize    int64
	Description string
}

// JobKind selects what an asynchronous retrieval job produces.
type JobKind string

// Job kinds accepted by InitiateJob.
const (
	JobKindArchiveRetrieval   JobKind = "archive-retrieval"
	JobKindInventoryRetrieval JobKind = "inventory-retrieval"
)

// JobParams configures an asynchronous retrieval job.
type JobParams struct {
	Kind        JobKind
	ArchiveID   string
	Description string
}

// JobStatus is a snapshot of a retrieval job, as reported by DescribeJob.
type JobStatus struct {
	Action        string
	StatusCode    string
	StatusMessage string
	Completed     bool
	SizeBytes     int64
}

// JobOutput is the streamed result of a completed job. The caller owns Body
// and must close it.
type JobOutput struct {
	Body        io.ReadCloser
	ContentType string
	Checksum    string
}

// API is the Glacier surface used by this tool.
type API interface {
	InitiateMultipartUpload(ctx context.Context, vault, description string, partSize int64) (string, error)
	UploadPart(ctx context.Context, vault, uploadID, byteRange, checksum string, body io.ReadSeeker) (string, error)
	CompleteMultipartUpload(ctx context.Context, vault, uploadID string, archiveSize int64, checksum string) (Archive, error)
	AbortMultipartUpload(ctx context.Context, vault, uploadID string) error
	UploadArchive(ctx context.Context, vault, description, checksum string, body io.ReadSeeker) (Archive, error)
	ListUploads(ctx context.Context, vault string) ([]UploadSummary, error)
	ListParts(ctx context.Context, vault, uploadID string) (PartList, error)
	InitiateJob(ctx context.Context, vault string, params JobParams) (string, error)
	DescribeJob(ctx context.Context, vault, jobID string) (JobStatus, error)
	GetJobOutput(ctx context.Context, vault, jobID, byteRange string) (JobOutput, error)
	DeleteArchive(ctx context.Context, vault, archiveID string) error
}

// Client implements API on top of the aws-sdk-go-v2 Glacier client.
type Client struct {
	api       *glacier.Client
	accountID string
}

// InitiateMultipartUpload opens a multipart session and returns the
// service-assigned upload ID.
func (c *Client) InitiateMultipartUpload(ctx context.Context, vault, description string, partSize int64) (string, error) {
	out, err := c.api.InitiateMultipartUpload(ctx, &glacier.InitiateMultipartUploadInput{
		AccountId:          aws.String(c.accountID),
		VaultName:          aws.String(vault),
		ArchiveDescription: optionalString(description),
		PartSize:           aws.String(strconv.FormatInt(partSize, 10)),
	})
	if err != nil {
		return "", fmt.Errorf("initiate multipart upload: %w", err)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart uploads one part and returns the tree hash the service computed
// for it. byteRange is a Content-Range style header, e.g. "bytes 0-1048575/*".
func (c *Client) UploadPart(ctx context.Context, vault, uploadID, byteRange, checksum string, body io.ReadSeeker) (string, error) {
	out, err := c.api.UploadMultipartPart(ctx, &glacier.UploadMultipartPartInput{
		AccountId: aws.String(c.accountID),
		VaultName: aws.String(vault),
		UploadId:  aws.String(uploadID),
		Range:     aws.String(byteRange),
		Checksum:  aws.String(checksum),
		Body:      body,
	})
	if err != nil {
		return "", fmt.Errorf("upload part %s: %w", byteRange, err)
	}
	return aws.ToString(out.Checksum), nil
}

// CompleteMultipartUpload finalizes a session with the total archive size and
// the top-level tree hash.
func (c *Client) CompleteMultipartUpload(ctx context.Context, vault, uploadID string, archiveSize int64, checksum string) (Archive, error) {
	out, err := c.api.CompleteMultipartUpload(ctx, &glacier.CompleteMultipartUploadInput{
		AccountId:   aws.String(c.accountID),
		VaultName:   aws.String(vault),
		UploadId:    aws.String(uploadID),
		ArchiveSize: aws.String(strconv.FormatInt(archiveSize, 10)),
		Checksum:    aws.String(checksum),
	})
	if err != nil {
		return Archive{}, fmt.Errorf("complete multipart upload: %w", err)
	}
	return Archive{
		ID:       aws.ToString(out.ArchiveId),
		Checksum: aws.ToString(out.Checksum),
		Location: aws.ToString(out.Location),
	}, nil
}

// AbortMultipartUpload releases a session and all its uploaded parts.
func (c *Client) AbortMultipartUpload(ctx context.Context, vault, uploadID string) error {
	_, err := c.api.AbortMultipartUpload(ctx, &glacier.AbortMultipartUploadInput{
		AccountId: aws.String(c.accountID),
		VaultName: aws.String(vault),
		UploadId:  aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

// UploadArchive stores an archive in a single request. Only suitable for
// small payloads.
func (c *Client) UploadArchive(ctx context.Context, vault, description, checksum string, body io.ReadSeeker) (Archive, error) {
	out, err := c.api.UploadArchive(ctx, &glacier.UploadArchiveInput{
		AccountId:          aws.String(c.accountID),
		VaultName:          aws.String(vault),
		ArchiveDescription: optionalString(description),
		Checksum:           aws.String(checksum),
		Body:               body,
	})
	if err != nil {
		return Archive{}, fmt.Errorf("upload archive: %w", err)
	}
	return Archive{
		ID:       aws.ToString(out.ArchiveId),
		Checksum: aws.ToString(out.Checksum),
		Location: aws.ToString(out.Location),
	}, nil
}

// ListUploads returns every in-progress multipart session of the vault,
// following pagination markers.
func (c *Client) ListUploads(ctx context.Context, vault string) ([]UploadSummary, error) {
	var (
		uploads []UploadSummary
		marker  *string
	)
	for {
		out, err := c.api.ListMultipartUploads(ctx, &glacier.ListMultipartUploadsInput{
			AccountId: aws.String(c.accountID),
			VaultName: aws.String(vault),
			Marker:    marker,
		})
		if err != nil {
			return nil, fmt.Errorf("list multipart uploads: %w", err)
		}
		for _, u := range out.UploadsList {
			uploads = append(uploads, UploadSummary{
				ID:           aws.ToString(u.MultipartUploadId),
				Description:  aws.ToString(u.ArchiveDescription),
				CreationDate: aws.ToString(u.CreationDate),
				PartSize:     u.PartSizeInBytes,
			})
		}
		if aws.ToString(out.Marker) == "" {
			return uploads, nil
		}
		marker = out.Marker
	}
}

// ListParts returns every uploaded part of a session, following pagination
// markers.
func (c *Client) ListParts(ctx context.Context, vault, uploadID string) (PartList, error) {
	var (
		list   PartList
		marker *string
	)
	for {
		out, err := c.api.ListParts(ctx, &glacier.ListPartsInput{
			AccountId: aws.String(c.accountID),
			VaultName: aws.String(vault),
			UploadId:  aws.String(uploadID),
			Marker:    marker,
		})
		if err != nil {
			return PartList{}, fmt.Errorf("list parts: %w", err)
		}
		list.PartSize = out.PartSizeInBytes
		list.Description = aws.ToString(out.ArchiveDescription)
		for _, p := range out.Parts {
			list.Parts = append(list.Parts, Part{
				Range:          aws.ToString(p.RangeInBytes),
				SHA256TreeHash: aws.ToString(p.SHA256TreeHash),
			})
		}
		if aws.ToString(out.Marker) == "" {
			return list, nil
		}
		marker = out.Marker
	}
}

// InitiateJob starts an asynchronous retrieval job and returns the job ID.
func (c *Client) InitiateJob(ctx context.Context, vault string, params JobParams) (string, error) {
	jobParams := &types.JobParameters{
		Type:        aws.String(string(params.Kind)),
		Description: optionalString(params.Description),
	}
	if params.Kind == JobKindArchiveRetrieval {
		jobParams.ArchiveId = aws.String(params.ArchiveID)
	}
	if params.Kind == JobKindInventoryRetrieval {
		jobParams.Format = aws.String("JSON")
	}

	out, err := c.api.InitiateJob(ctx, &glacier.InitiateJobInput{
		AccountId:     aws.String(c.accountID),
		VaultName:     aws.String(vault),
		JobParameters: jobParams,
	})
	if err != nil {
		return "", fmt.Errorf("initiate %s job: %w", params.Kind, err)
	}
	return aws.ToString(out.JobId), nil
}

// DescribeJob returns the current status of a job without blocking.
func (c *Client) DescribeJob(ctx context.Context, vault, jobID string) (JobStatus, error) {
	out, err := c.api.DescribeJob(ctx, &glacier.DescribeJobInput{
		AccountId: aws.String(c.accountID),
		VaultName: aws.String(vault),
		JobId:     aws.String(jobID),
	})
	if err != nil {
		return JobStatus{}, fmt.Errorf("describe job: %w", err)
	}

	return JobStatus{
		Action:        string(out.Action),
		StatusCode:    string(out.StatusCode),
		StatusMessage: aws.ToString(out.StatusMessage),
		Completed:     out.Completed,
		SizeBytes:     jobSizeBytes(out.ArchiveSizeInBytes, out.InventorySizeInBytes),
	}, nil
}

// GetJobOutput opens the output stream of a completed job. byteRange may be
// empty to fetch the whole output, or an HTTP range such as "bytes=0-1048575".
func (c *Client) GetJobOutput(ctx context.Context, vault, jobID, byteRange string) (JobOutput, error) {
	out, err := c.api.GetJobOutput(ctx, &glacier.GetJobOutputInput{
		AccountId: aws.String(c.accountID),
		VaultName: aws.String(vault),
		JobId:     aws.String(jobID),
		Range:     optionalString(byteRange),
	})
	if err != nil {
		return JobOutput{}, fmt.Errorf("get job output: %w", err)
	}
	return JobOutput{
		Body:        out.Body,
		ContentType: aws.ToString(out.ContentType),
		Checksum:    aws.ToString(out.Checksum),
	}, nil
}

// DeleteArchive removes an archive from the vault.
func (c *Client) DeleteArchive(ctx context.Context, vault, archiveID string) error {
	_, err := c.api.DeleteArchive(ctx, &glacier.DeleteArchiveInput{
		AccountId: aws.String(c.accountID),
		VaultName: aws.String(vault),
		ArchiveId: aws.String(archiveID),
	})
	if err != nil {
		return fmt.Errorf("delete archive: %w", err)
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

// jobSizeBytes picks the output size of a job. An archive retrieval reports
// ArchiveSizeInBytes, an inventory retrieval InventorySizeInBytes; the service
// leaves the field that does not apply unset.
func jobSizeBytes(archiveSize, inventorySize *int64) int64 {
	if size := aws.ToInt64(archiveSize); size != 0 {
		return size
	}
	return aws.ToInt64(inventorySize)
}
