package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/coldvault/glacierup/archive"
	"github.com/coldvault/glacierup/archive/compression"
)

func newUploadCmd(flags *globalFlags) *cobra.Command {
	var (
		files       []string
		description string
		partSizeMiB int
		concurrency int
		maxAttempts int
		uploadID    string
		compress    bool
		gzipLevel   int
	)

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload files to a vault as a single archive",
		Long: `Uploads the given files to a Glacier vault as one archive.

A single regular file is uploaded as-is. Multiple files, directories and glob
patterns are packed into one tar.gz blob first, since a vault archive is a
single opaque blob. Files larger than a few megabytes go through a resumable
multipart session; pass --upload-id to resume one that was interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.requireVault(); err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("at least one --file is required")
			}

			ctx := cmd.Context()
			logger := flags.newLogger()
			archiver := compression.NewArchiver(logger, pathutil.NewPathModifier())

			paths, err := archiver.ExpandPaths(files)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no existing files matched the given paths")
			}

			filePath := paths[0]
			if compress || len(paths) > 1 || isDir(paths[0]) {
				blobPath := filepath.Join(os.TempDir(),
					fmt.Sprintf("glacierup-%s.tar.gz", time.Now().UTC().Format("20060102-150405")))
				if err := archiver.Compress(blobPath, paths, gzipLevel); err != nil {
					return err
				}
				defer os.Remove(blobPath)
				filePath = blobPath
			}

			client, err := flags.newClient(ctx, logger)
			if err != nil {
				return err
			}

			result, err := archive.NewUploader(client, logger, nil).Upload(ctx, archive.UploadParams{
				Vault:       flags.vault,
				FilePath:    filePath,
				Description: description,
				PartSize:    int64(partSizeMiB) * units.MiB,
				Concurrency: concurrency,
				MaxAttempts: maxAttempts,
				UploadID:    uploadID,
			})
			if err != nil {
				return err
			}

			logger.Donef("Upload complete")
			logger.Printf("Archive ID: %s", result.ArchiveID)
			logger.Printf("Checksum:   %s", result.Checksum)
			logger.Printf("Location:   %s", result.Location)
			logger.Printf("Size:       %s in %d part(s)", units.BytesSize(float64(result.Size)), result.PartCount)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "file, directory or glob pattern to upload (repeatable)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "archive description stored with the vault entry")
	cmd.Flags().IntVar(&partSizeMiB, "part-size", 8, "multipart part size in MiB, a power of two between 1 and 4096")
	cmd.Flags().IntVar(&concurrency, "concurrency", 5, "number of parts uploaded in parallel")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 10, "upload attempts per part before the session is aborted")
	cmd.Flags().StringVar(&uploadID, "upload-id", "", "resume the multipart session with this ID")
	cmd.Flags().BoolVar(&compress, "compress", false, "pack the input into a tar.gz blob even for a single file")
	cmd.Flags().IntVar(&gzipLevel, "gzip-level", 0, "gzip level 1-9, 0 for the default")

	return cmd
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
