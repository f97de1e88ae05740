package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAbortUploadCmd(flags *globalFlags) *cobra.Command {
	var uploadID string

	cmd := &cobra.Command{
		Use:   "abort-upload",
		Short: "Abort a multipart upload session and discard its parts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.requireVault(); err != nil {
				return err
			}
			if uploadID == "" {
				return fmt.Errorf("--upload-id is required")
			}

			logger := flags.newLogger()
			client, err := flags.newClient(cmd.Context(), logger)
			if err != nil {
				return err
			}

			if err := client.AbortMultipartUpload(cmd.Context(), flags.vault, uploadID); err != nil {
				return err
			}
			logger.Donef("Aborted upload %s", uploadID)
			return nil
		},
	}

	cmd.Flags().StringVar(&uploadID, "upload-id", "", "multipart session ID")
	return cmd
}

func newDeleteArchiveCmd(flags *globalFlags) *cobra.Command {
	var archiveID string

	cmd := &cobra.Command{
		Use:   "delete-archive",
		Short: "Delete an archive from a vault",
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

			if err := client.DeleteArchive(cmd.Context(), flags.vault, archiveID); err != nil {
				return err
			}
			logger.Donef("Deleted archive %s", archiveID)
			return nil
		},
	}

	cmd.Flags().StringVar(&archiveID, "archive-id", "", "ID of the archive to delete")
	return cmd
}
