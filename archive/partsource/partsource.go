// Package partsource presents a local file as a sequence of fixed-size parts
// for multipart upload. Parts are addressed by index and read with positioned
// reads, so any number of workers can read different parts through the same
// file handle without coordinating a seek cursor.
package partsource

import (
	"fmt"
	"io"
	"os"
)

// Source is a file split into parts of PartSize bytes, the last part possibly
// shorter. Safe for concurrent ReadPart calls.
type Source struct {
	file      *os.File
	totalSize int64
	partSize  int64
	partCount int
}

// Open opens path and splits it into partSize-byte parts.
func Open(path string, partSize int64) (*Source, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	src, err := New(file, info.Size(), partSize)
	if err != nil {
		file.Close()
		return nil, err
	}
	return src, nil
}

// New wraps an already-open file of the given size. The caller must not
// write to or truncate the file while the source is in use.
func New(file *os.File, totalSize, partSize int64) (*Source, error) {
	if partSize <= 0 {
		return nil, fmt.Errorf("part size must be positive, got %d", partSize)
	}
	if totalSize < 0 {
		return nil, fmt.Errorf("total size must not be negative, got %d", totalSize)
	}

	return &Source{
		file:      file,
		totalSize: totalSize,
		partSize:  partSize,
		partCount: int((totalSize + partSize - 1) / partSize),
	}, nil
}

// PartCount returns ceil(totalSize / partSize).
func (s *Source) PartCount() int {
	return s.partCount
}

// TotalSize returns the file size recorded when the source was created.
func (s *Source) TotalSize() int64 {
	return s.totalSize
}

// PartSize returns the size the source was split with, not the size of any
// individual part.
func (s *Source) PartSize() int64 {
	return s.partSize
}

// Range returns the byte range [offset, offset+length) of the part at index.
func (s *Source) Range(index int) (offset, length int64, err error) {
	if index < 0 || index >= s.partCount {
		return 0, 0, fmt.Errorf("part index %d out of range [0, %d)", index, s.partCount)
	}

	offset = int64(index) * s.partSize
	length = s.partSize
	if remaining := s.totalSize - offset; remaining < length {
		length = remaining
	}
	return offset, length, nil
}

// ContentRange returns the Content-Range style header Glacier expects for
// the part at index, e.g. "bytes 0-1048575/*".
func (s *Source) ContentRange(index int) (string, error) {
	offset, length, err := s.Range(index)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("bytes %d-%d/*", offset, offset+length-1), nil
}

// ReadPart reads exactly the bytes of the part at index. A short read means
// the file shrank after the source was created, which invalidates the whole
// session, so it is reported as an error rather than a short result.
func (s *Source) ReadPart(index int) ([]byte, error) {
	offset, length, err := s.Range(index)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	n, err := s.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read part %d at offset %d: %w", index, offset, err)
	}
	if int64(n) != length {
		return nil, fmt.Errorf("part %d: read %d bytes, want %d (source file truncated?)", index, n, length)
	}
	return buf, nil
}

// Close closes the underlying file.
func (s *Source) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
