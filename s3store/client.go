package s3store

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the part of the S3 client the repository uses. *s3.Client
// satisfies it.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// ClientConfig holds connection settings for building an S3 client. Empty
// fields fall back to the ambient AWS configuration (environment, shared
// config, instance role).
type ClientConfig struct {
	// Provider names a known store profile (see SupportedProviders) that
	// fills in endpoint, region and addressing defaults. Optional.
	Provider string

	// Endpoint overrides the S3 endpoint for non-AWS providers such as
	// MinIO or Garage.
	Endpoint string

	// Region for request signing.
	Region string

	// AccessKey and SecretKey select static credentials. Leave empty to
	// use the default credential chain.
	AccessKey string
	SecretKey string

	// UsePathStyle addresses buckets as path segments instead of
	// subdomains. Required by most self-hosted providers.
	UsePathStyle bool
}

// NewClient creates an S3 client for the repository.
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	if cfg.Provider != "" {
		profile, err := LookupProfile(cfg.Provider)
		if err != nil {
			return nil, err
		}
		cfg.Endpoint, cfg.Region, err = profile.resolveEndpoint(cfg.Endpoint, cfg.Region)
		if err != nil {
			return nil, err
		}
		cfg.UsePathStyle = cfg.UsePathStyle || profile.PathStyle
	}

	// Stored objects must come back byte for byte as uploaded. Without
	// this the transport negotiates gzip and silently decompresses any
	// object stored with Content-Encoding: gzip, which would defeat the
	// encoding check and the digest verification in GetAll.
	httpClient := awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
		tr.DisableCompression = true
	})

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(httpClient),
	}
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

	s3Options := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, s3Options...), nil
}
