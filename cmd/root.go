// Package cmd wires the glacierup command line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"

	"github.com/coldvault/glacierup/cloud"
)

// globalFlags carries the persistent flags shared by every subcommand.
type globalFlags struct {
	vault           string
	region          string
	accessKeyID     string
	secretAccessKey string
	timeout         time.Duration
	verbose         bool
}

func New() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "glacierup",
		Short:         "Upload, retrieve and manage archives in AWS Glacier vaults",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.vault, "vault", "v", "", "name of the Glacier vault")
	cmd.PersistentFlags().StringVar(&flags.region, "region", "", "AWS region (defaults to AWS_REGION)")
	cmd.PersistentFlags().StringVar(&flags.accessKeyID, "access-key-id", "", "AWS access key ID (defaults to the SDK credential chain)")
	cmd.PersistentFlags().StringVar(&flags.secretAccessKey, "secret-access-key", "", "AWS secret access key")
	cmd.PersistentFlags().DurationVar(&flags.timeout, "call-timeout", cloud.DefaultCallTimeout, "timeout of a single remote call")
	cmd.PersistentFlags().BoolVar(&flags.verbose, "verbose", false, "enable debug logging")

	cmd.AddCommand(
		newUploadCmd(flags),
		newListUploadsCmd(flags),
		newListPartsCmd(flags),
		newAbortUploadCmd(flags),
		newInitArchiveRetrievalCmd(flags),
		newInitInventoryRetrievalCmd(flags),
		newGetJobOutputCmd(flags),
		newDeleteArchiveCmd(flags),
	)
	return cmd
}

// Execute runs the root command and exits non-zero on any error.
func Execute() {
	cmd := New()
	if err := cmd.Execute(); err != nil {
		log.NewLogger().Errorf("%s", err)
		os.Exit(1)
	}
}

func (f *globalFlags) newLogger() log.Logger {
	logger := log.NewLogger()
	logger.EnableDebugLog(f.verbose)
	return logger
}

func (f *globalFlags) requireVault() error {
	if f.vault == "" {
		return fmt.Errorf("--vault is required")
	}
	return nil
}

func (f *globalFlags) newClient(ctx context.Context, logger log.Logger) (*cloud.Client, error) {
	region := f.region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		return nil, fmt.Errorf("no AWS region: pass --region or set AWS_REGION")
	}

	return cloud.NewClient(ctx, cloud.ClientConfig{
		Region:          region,
		AccessKeyID:     cloud.Secret(f.accessKeyID),
		SecretAccessKey: cloud.Secret(f.secretAccessKey),
		CallTimeout:     f.timeout,
	}, logger)
}
