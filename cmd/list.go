package cmd

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func newListUploadsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list-uploads",
		Short: "List in-progress multipart upload sessions of a vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.requireVault(); err != nil {
				return err
			}

			logger := flags.newLogger()
			client, err := flags.newClient(cmd.Context(), logger)
			if err != nil {
				return err
			}

			uploads, err := client.ListUploads(cmd.Context(), flags.vault)
			if err != nil {
				return err
			}
			if len(uploads) == 0 {
				logger.Donef("No in-progress multipart uploads in vault %s", flags.vault)
				return nil
			}

			for _, upload := range uploads {
				logger.Printf("Upload ID:   %s", upload.ID)
				logger.Printf("Created:     %s", upload.CreationDate)
				logger.Printf("Part size:   %s", units.BytesSize(float64(upload.PartSize)))
				if upload.Description != "" {
					logger.Printf("Description: %s", upload.Description)
				}
				logger.Printf("")
			}
			logger.Donef("%d in-progress upload(s)", len(uploads))
			return nil
		},
	}
}

func newListPartsCmd(flags *globalFlags) *cobra.Command {
	var uploadID string

	cmd := &cobra.Command{
		Use:   "list-parts",
		Short: "List the uploaded parts of a multipart session",
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

			list, err := client.ListParts(cmd.Context(), flags.vault, uploadID)
			if err != nil {
				return err
			}

			logger.Printf("Part size: %s", units.BytesSize(float64(list.PartSize)))
			if list.Description != "" {
				logger.Printf("Description: %s", list.Description)
			}
			for _, part := range list.Parts {
				logger.Printf("%-28s %s", part.Range, part.SHA256TreeHash)
			}
			logger.Donef("%d uploaded part(s)", len(list.Parts))
			return nil
		},
	}

	cmd.Flags().StringVar(&uploadID, "upload-id", "", "multipart session ID")
	return cmd
}
