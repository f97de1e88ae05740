package cloud

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// IsNotFound reports whether err means the vault, archive, upload session or
// job does not exist. Never worth retrying.
func IsNotFound(err error) bool {
	var notFound *types.ResourceNotFoundException
	return errors.As(err, &notFound)
}

// IsChecksumMismatch reports whether the service rejected a request because
// the supplied tree hash disagrees with what it computed itself. Glacier
// reports this as an invalid-parameter error mentioning the checksum.
func IsChecksumMismatch(err error) bool {
	var invalidParam *types.InvalidParameterValueException
	if !errors.As(err, &invalidParam) {
		return false
	}
	return strings.Contains(strings.ToLower(invalidParam.ErrorMessage()), "checksum")
}

// IsTransient reports whether err is worth retrying at the same granularity:
// request timeouts, throttling, server-side 5xx and plain network failures.
// Bad input, missing resources and cancelled contexts are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var timeout *types.RequestTimeoutException
	if errors.As(err, &timeout) {
		return true
	}
	var unavailable *types.ServiceUnavailableException
	if errors.As(err, &unavailable) {
		return true
	}
	var throttled *types.LimitExceededException
	if errors.As(err, &throttled) {
		return true
	}

	var invalidParam *types.InvalidParameterValueException
	if errors.As(err, &invalidParam) {
		return false
	}
	var missingParam *types.MissingParameterValueException
	if errors.As(err, &missingParam) {
		return false
	}
	if IsNotFound(err) {
		return false
	}

	var responseErr *smithyhttp.ResponseError
	if errors.As(err, &responseErr) {
		return responseErr.HTTPStatusCode() >= 500
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		// Unrecognized service error without an HTTP status attached;
		// assume the request itself was bad.
		return false
	}

	// Connection-level failure before any service response.
	return true
}
