package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// Secret is a string that must not end up in logs. Formatting a Secret
// through fmt yields a redaction marker instead of the value.
type Secret string

// RedactedValue replaces secrets in any fmt output.
const RedactedValue = "*****"

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return RedactedValue
}

// ClientConfig carries everything needed to construct a Glacier client.
// AccessKeyID and SecretAccessKey are optional: when empty, the default AWS
// credential chain (env, shared config, instance role) is used.
type ClientConfig struct {
	Region          string
	AccessKeyID     Secret
	SecretAccessKey Secret
	// CallTimeout bounds every single network call. The overall operation
	// has no deadline: a large upload legitimately runs for hours.
	CallTimeout time.Duration
}

// DefaultCallTimeout is applied when ClientConfig.CallTimeout is zero. It has
// to accommodate uploading one full part over a slow link.
const DefaultCallTimeout = 15 * time.Minute

// NewClient builds a Glacier client from the config. Retries are handled by
// the callers at the operation level, so the SDK's own retryer is disabled.
func NewClient(ctx context.Context, cfg ClientConfig, logger log.Logger) (*Client, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Client{
		api:       glacier.NewFromConfig(*awsCfg),
		accountID: defaultAccountID,
	}, nil
}

func loadAWSConfig(ctx context.Context, cfg ClientConfig, logger log.Logger) (*aws.Config, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}

	// retryablehttp handles transport-level hiccups (connection resets,
	// dropped keepalives); everything protocol-level is retried by the part
	// uploader and the per-operation retry loops instead.
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 1
	httpClient.Logger = nil
	httpClient.HTTPClient.Timeout = timeout

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient.StandardClient()),
		config.WithRetryMaxAttempts(1),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(string(cfg.AccessKeyID), string(cfg.SecretAccessKey), "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &awsCfg, nil
}
