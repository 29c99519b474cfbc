package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultRegion = "us-east-1"

type S3ClientConfig struct {
	Endpoint        string // empty for AWS, set for MinIO and other compatible stores
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

func loadAwsConfig(ctx context.Context, region string, creds aws.CredentialsProvider) (aws.Config, error) {
	if region == "" {
		region = defaultRegion
	}

	opts := []func(*aws_config.LoadOptions) error{aws_config.WithRegion(region)}
	if creds != nil {
		opts = append(opts, aws_config.WithCredentialsProvider(creds))
	}

	return aws_config.LoadDefaultConfig(ctx, opts...)
}

func initializeS3Client(cfg S3ClientConfig) (*s3.Client, error) {
	ctx := context.Background()

	var creds aws.CredentialsProvider
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	awsCfg, err := loadAwsConfig(ctx, cfg.Region, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws config: %w", err)
	}

	// Fall back to anonymous credentials when none can be loaded from the
	// environment or ~/.aws/credentials.
	if _, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
		awsCfg, err = loadAwsConfig(ctx, cfg.Region, aws.AnonymousCredentials{})
		if err != nil {
			return nil, fmt.Errorf("failed to create aws config with anonymous credentials: %w", err)
		}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO only supports path style addressing.
		o.UsePathStyle = true
	})

	return client, nil
}
