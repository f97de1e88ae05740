package archive

import "fmt"

// InitiationError means the upload session could not be opened. Nothing was
// created on the remote side.
type InitiationError struct {
	Err error
}

func (e *InitiationError) Error() string {
	return fmt.Sprintf("initiate upload session: %v (nothing was created remotely)", e.Err)
}

func (e *InitiationError) Unwrap() error {
	return e.Err
}

// UploadError means the session failed after parts had already been uploaded.
// The error message states whether the remote session was cleaned up or still
// needs a manual abort.
type UploadError struct {
	UploadID    string
	FailedParts int
	Err         error
	// AbortErr is non-nil when the cleanup abort failed too, leaving the
	// session orphaned on the remote side.
	AbortErr error
}

func (e *UploadError) Error() string {
	msg := fmt.Sprintf("upload failed, %d part(s) never succeeded: %v", e.FailedParts, e.Err)
	if e.AbortErr != nil {
		return fmt.Sprintf("%s; abort also failed: %v, multipart session %s must be aborted manually", msg, e.AbortErr, e.UploadID)
	}
	return fmt.Sprintf("%s; multipart session %s was aborted", msg, e.UploadID)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// ChecksumMismatchError means the service rejected the completion call
// because its tree hash disagrees with the locally computed one. This points
// at bit-level corruption somewhere in transit and is never retried.
type ChecksumMismatchError struct {
	UploadID string
	Checksum string
	Err      error
	AbortErr error
}

func (e *ChecksumMismatchError) Error() string {
	msg := fmt.Sprintf("service rejected tree hash %s for session %s: %v", e.Checksum, e.UploadID, e.Err)
	if e.AbortErr != nil {
		return fmt.Sprintf("%s; abort also failed: %v, session must be aborted manually", msg, e.AbortErr)
	}
	return fmt.Sprintf("%s; session was aborted", msg)
}

func (e *ChecksumMismatchError) Unwrap() error {
	return e.Err
}
