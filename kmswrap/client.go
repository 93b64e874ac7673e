package kmswrap

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// ClientConfig holds connection settings for building a KMS client. Empty
// fields fall back to the ambient AWS configuration (environment, shared
// config, instance role).
type ClientConfig struct {
	// Endpoint overrides the KMS endpoint, for local stand-ins such as
	// LocalStack.
	Endpoint string

	// Region for request signing.
	Region string

	// AccessKey and SecretKey select static credentials. Leave empty to
	// use the default credential chain.
	AccessKey string
	SecretKey string
}

// NewClient creates a KMS client for the engine.
func NewClient(ctx context.Context, cfg ClientConfig) (*kms.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	kmsOptions := []func(*kms.Options){}
	if cfg.Endpoint != "" {
		kmsOptions = append(kmsOptions, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return kms.NewFromConfig(awsCfg, kmsOptions...), nil
}
