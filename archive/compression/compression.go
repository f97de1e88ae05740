// Package compression packs local files and directories into a single tar.gz
// blob before upload, and unpacks retrieved blobs. Cold storage bills per
// archive, so bundling many small files into one archive is the normal mode
// of operation.
package compression

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/klauspost/compress/gzip"
)

// Archiver builds and extracts tar.gz archives.
type Archiver struct {
	logger       log.Logger
	pathModifier pathutil.PathModifier
}

// NewArchiver creates an Archiver.
func NewArchiver(logger log.Logger, pathModifier pathutil.PathModifier) *Archiver {
	return &Archiver{
		logger:       logger,
		pathModifier: pathModifier,
	}
}

// ExpandPaths resolves the given path patterns into absolute paths of
// existing files and directories. Patterns may contain doublestar globs.
// Symlinks are skipped: they cannot be restored meaningfully from cold
// storage.
func (a *Archiver) ExpandPaths(patterns []string) ([]string, error) {
	var expanded []string
	for _, pattern := range patterns {
		if !strings.Contains(pattern, "*") {
			expanded = append(expanded, pattern)
			continue
		}

		base, glob := doublestar.SplitPattern(pattern)
		absBase, err := a.pathModifier.AbsPath(base)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", base, err)
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), glob, doublestar.WithNoFollow())
		if err != nil {
			a.logger.Warnf("Error in path pattern '%s': %s", pattern, err)
			continue
		}
		if matches == nil {
			a.logger.Warnf("No match for path pattern: %s", pattern)
			continue
		}
		for _, match := range matches {
			expanded = append(expanded, filepath.Join(absBase, match))
		}
	}

	var finalPaths []string
	for _, path := range expanded {
		absPath, err := a.pathModifier.AbsPath(path)
		if err != nil {
			a.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		info, err := os.Lstat(absPath)
		if os.IsNotExist(err) {
			a.logger.Warnf("Path doesn't exist: %s", path)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", absPath, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			a.logger.Warnf("Skipping symlink: %s", path)
			continue
		}

		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths, nil
}

// Compress writes a tar.gz archive of includePaths to archivePath.
// Directories are walked recursively; symlinks inside them are skipped.
// level is a gzip level between 1 and 9, or 0 for the default.
func (a *Archiver) Compress(archivePath string, includePaths []string, level int) error {
	if len(includePaths) == 0 {
		return fmt.Errorf("no paths to compress")
	}
	if level == 0 {
		level = gzip.DefaultCompression
	}
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return fmt.Errorf("gzip level must be between 1 and 9, got %d", level)
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer out.Close()

	gzipWriter, err := gzip.NewWriterLevel(out, level)
	if err != nil {
		return fmt.Errorf("create gzip writer: %w", err)
	}
	tarWriter := tar.NewWriter(gzipWriter)

	var totalBytes int64
	for _, includePath := range includePaths {
		written, err := a.addPath(tarWriter, filepath.Clean(includePath))
		if err != nil {
			return err
		}
		totalBytes += written
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	a.logger.Infof("Compressed %s into %s",
		units.HumanSizeWithPrecision(float64(totalBytes), 3),
		units.HumanSizeWithPrecision(float64(info.Size()), 3))

	return nil
}

func (a *Archiver) addPath(tarWriter *tar.Writer, root string) (int64, error) {
	var totalBytes int64

	err := filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.Mode()&os.ModeSymlink != 0 {
			a.logger.Debugf("Skipping symlink: %s", path)
			return nil
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("build header for %s: %w", path, err)
		}
		header.Name = archiveName(path)
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write header for %s: %w", path, err)
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer file.Close()

		written, err := io.Copy(tarWriter, file)
		if err != nil {
			return fmt.Errorf("archive %s: %w", path, err)
		}
		totalBytes += written

		a.logger.Debugf("Compressed %s [%s]", path, units.HumanSizeWithPrecision(float64(written), 3))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return totalBytes, nil
}

// Decompress extracts a tar.gz archive into destinationDir. Entry names are
// sanitized so a crafted archive cannot escape the destination.
func (a *Archiver) Decompress(archivePath, destinationDir string) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	gzipReader, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("create gzip reader: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive entry: %w", err)
		}

		target, err := safeJoin(destinationDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create parent of %s: %w", target, err)
			}
			file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			if _, err := io.Copy(file, tarReader); err != nil {
				file.Close()
				return fmt.Errorf("extract %s: %w", target, err)
			}
			if err := file.Close(); err != nil {
				return fmt.Errorf("close %s: %w", target, err)
			}
		default:
			a.logger.Debugf("Skipping archive entry %s of type %d", header.Name, header.Typeflag)
		}
	}
}

// archiveName converts an absolute path to the name stored in the archive:
// forward slashes, no leading slash or drive.
func archiveName(path string) string {
	name := filepath.ToSlash(path)
	name = strings.TrimPrefix(name, "/")
	return name
}

func safeJoin(destinationDir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("archive entry %q escapes the destination directory", name)
	}
	return filepath.Join(destinationDir, cleaned), nil
}
