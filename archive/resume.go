package archive

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/retry"

	"github.com/coldvault/glacierup/archive/partsource"
	"github.com/coldvault/glacierup/cloud"
	"github.com/coldvault/glacierup/treehash"
)

// fetchRemoteParts pages through the part inventory of an existing session.
// A missing session is fatal: there is nothing to resume.
func (u *Uploader) fetchRemoteParts(ctx context.Context, vault, uploadID string) (cloud.PartList, error) {
	u.logger.Infof("Fetching already uploaded parts of session %s...", uploadID)

	var list cloud.PartList
	err := retry.Times(numRemoteCallRetries).Wait(remoteCallRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		var listErr error
		list, listErr = u.api.ListParts(ctx, vault, uploadID)
		if listErr != nil {
			return listErr, !cloud.IsTransient(listErr)
		}
		return nil, false
	})
	if err != nil {
		if cloud.IsNotFound(err) {
			return cloud.PartList{}, &InitiationError{Err: fmt.Errorf("session %s not found: %w", uploadID, err)}
		}
		return cloud.PartList{}, fmt.Errorf("list parts of session %s: %w", uploadID, err)
	}
	return list, nil
}

// verifyUploadedParts re-hashes the local byte range of every part the
// service already has and keeps only those whose tree hash still matches.
// Anything else is re-uploaded.
func (u *Uploader) verifyUploadedParts(src *partsource.Source, remoteParts *cloud.PartList) map[int]treehash.Digest {
	skip := make(map[int]treehash.Digest)
	if remoteParts == nil {
		return skip
	}

	u.logger.Infof("Verifying %d uploaded part(s)...", len(remoteParts.Parts))
	for _, part := range remoteParts.Parts {
		offset, err := parseRangeStart(part.Range)
		if err != nil {
			u.logger.Warnf("Skipping unparsable part range %q: %v", part.Range, err)
			continue
		}
		if offset%src.PartSize() != 0 {
			u.logger.Warnf("Part range %q does not align with part size %d", part.Range, src.PartSize())
			continue
		}

		index := int(offset / src.PartSize())
		if index >= src.PartCount() {
			u.logger.Warnf("Part at offset %d is beyond the local file, ignoring", offset)
			continue
		}

		data, err := src.ReadPart(index)
		if err != nil {
			u.logger.Warnf("Could not re-read part %d for verification: %v", index, err)
			continue
		}

		digest := treehash.Compute(data)
		if digest.String() != part.SHA256TreeHash {
			u.logger.Warnf("Part %d changed since it was uploaded, will re-upload", index)
			continue
		}
		skip[index] = digest
	}
	return skip
}

// parseRangeStart extracts the starting offset of a ListParts range, which
// the service formats as "<start>-<end>".
func parseRangeStart(byteRange string) (int64, error) {
	start, _, found := strings.Cut(byteRange, "-")
	if !found {
		return 0, fmt.Errorf("range %q has no separator", byteRange)
	}
	offset, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse range start: %w", err)
	}
	return offset, nil
}
