package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/coldvault/glacierup/archive/compression"
	"github.com/coldvault/glacierup/cloud"
	"github.com/coldvault/glacierup/retrieval"
)

func newInitArchiveRetrievalCmd(flags *globalFlags) *cobra.Command {
	var (
		archiveID   string
		description string
	)

	cmd := &cobra.Command{
		Use:   "init-archive-retrieval",
		Short: "Start an asynchronous job that stages an archive for download",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.requireVault(); err != nil {
				return err
			}
			if archiveID == "" {
				return fmt.Errorf("--archive-id is required")
			}

			logger := flags.newLogger()
			client, err := flags.newClient(cmd.Context(), logger)
			if err != nil {
				return err
			}

			jobID, err := retrieval.NewPoller(client, logger).Initiate(cmd.Context(), flags.vault, cloud.JobParams{
				Kind:        cloud.JobKindArchiveRetrieval,
				ArchiveID:   archiveID,
				Description: description,
			})
			if err != nil {
				return err
			}

			logger.Donef("Retrieval job started")
			logger.Printf("Job ID: %s", jobID)
			logger.Printf("Fetch the result later with: glacierup get-job-output --vault %s --job-id %s", flags.vault, jobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&archiveID, "archive-id", "", "ID of the archive to retrieve")
	cmd.Flags().StringVarP(&description, "description", "d", "", "job description")
	return cmd
}

func newInitInventoryRetrievalCmd(flags *globalFlags) *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "init-inventory-retrieval",
		Short: "Start an asynchronous job that produces the vault inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.requireVault(); err != nil {
				return err
			}

			logger := flags.newLogger()
			client, err := flags.newClient(cmd.Context(), logger)
			if err != nil {
				return err
			}

			jobID, err := retrieval.NewPoller(client, logger).Initiate(cmd.Context(), flags.vault, cloud.JobParams{
				Kind:        cloud.JobKindInventoryRetrieval,
				Description: description,
			})
			if err != nil {
				return err
			}

			logger.Donef("Inventory job started")
			logger.Printf("Job ID: %s", jobID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "job description")
	return cmd
}

func newGetJobOutputCmd(flags *globalFlags) *cobra.Command {
	var (
		jobID        string
		outputPath   string
		extractDir   string
		wait         bool
		pollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "get-job-output",
		Short: "Fetch the output of a retrieval job",
		Long: `Fetches the output of a retrieval job started earlier.

Inventory output is printed as formatted JSON. Archive output is written to
the file given with --output, and its tree hash is verified against the
checksum the service advertises. A job that is still running is reported as
such; pass --wait to poll until it finishes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.requireVault(); err != nil {
				return err
			}
			if jobID == "" {
				return fmt.Errorf("--job-id is required")
			}

			ctx := cmd.Context()
			logger := flags.newLogger()
			client, err := flags.newClient(ctx, logger)
			if err != nil {
				return err
			}
			poller := retrieval.NewPoller(client, logger)

			if wait {
				status, err := poller.Wait(ctx, flags.vault, jobID, pollInterval)
				if err != nil {
					return err
				}
				if !status.Succeeded() {
					return &retrieval.JobFailedError{JobID: jobID, Message: status.Message}
				}
			}

			stream, err := poller.FetchOutput(ctx, flags.vault, jobID, 0)
			if errors.Is(err, retrieval.ErrNotReady) {
				logger.Infof("%s", err)
				logger.Infof("Re-run this command later, or pass --wait to poll until the job finishes")
				return nil
			}
			if err != nil {
				return err
			}
			defer stream.Close()

			if strings.Contains(stream.ContentType(), "json") {
				return printInventory(cmd, stream)
			}
			return saveArchiveOutput(logger, stream, outputPath, extractDir)
		},
	}

	cmd.Flags().StringVar(&jobID, "job-id", "", "retrieval job ID")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "glacier-archive.tar.gz", "file the archive output is written to")
	cmd.Flags().StringVar(&extractDir, "extract", "", "extract the downloaded tar.gz archive into this directory")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job reaches a terminal state")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", retrieval.DefaultPollInterval, "polling cadence used with --wait")
	return cmd
}

func printInventory(cmd *cobra.Command, stream *retrieval.OutputStream) error {
	var raw bytes.Buffer
	if _, err := stream.WriteTo(&raw); err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw.Bytes(), "", "  "); err != nil {
		// Not JSON after all; print it untouched.
		cmd.Println(raw.String())
		return nil
	}
	cmd.Println(pretty.String())
	return nil
}

func saveArchiveOutput(logger log.Logger, stream *retrieval.OutputStream, outputPath, extractDir string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}

	written, err := stream.WriteTo(out)
	if err != nil {
		out.Close()
		os.Remove(outputPath)
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}

	logger.Donef("Saved %s to %s", units.HumanSizeWithPrecision(float64(written), 3), outputPath)
	if stream.Checksum() != "" {
		logger.Printf("Tree hash verified: %s", stream.Checksum())
	}

	if extractDir == "" {
		return nil
	}
	archiver := compression.NewArchiver(logger, pathutil.NewPathModifier())
	if err := archiver.Decompress(outputPath, extractDir); err != nil {
		return err
	}
	logger.Donef("Extracted into %s", extractDir)
	return nil
}
