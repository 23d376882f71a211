package config

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// StorageCredentials holds the S3-compatible storage settings of one environment
type StorageCredentials struct {
	Endpoint        string `env:"ENDPOINT"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	SessionToken    string `env:"SESSION_TOKEN"`
	Region          string `env:"REGION"`
}

// Configured reports whether storage replication is enabled for this environment.
// AWS itself needs no endpoint, so keys or a region alone enable it.
func (s StorageCredentials) Configured() bool {
	return s.Endpoint != "" || (s.AccessKeyID != "" && s.SecretAccessKey != "") || s.Region != ""
}

// LoadAWSConfig loads an SDK config from multiple sources in order of priority:
// 1. Explicit credentials provided
// 2. AWS_* environment variables
// 3. SDK default chain (credentials file, IAM role)
func LoadAWSConfig(ctx context.Context, creds StorageCredentials) (aws.Config, error) {
	region := creds.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		// S3-compatible storage ignores the region but signing needs one
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithRetryMaxAttempts(3),
	}

	if creds.Endpoint != "" {
		// Don't follow redirects for S3-compatible storage
		opts = append(opts, config.WithHTTPClient(&http.Client{
			Timeout: 60 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}))
	}

	switch {
	case creds.AccessKeyID != "" && creds.SecretAccessKey != "":
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)))
	case os.Getenv("AWS_ACCESS_KEY_ID") != "" && os.Getenv("AWS_SECRET_ACCESS_KEY") != "":
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"), os.Getenv("AWS_SESSION_TOKEN"))))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load storage credentials: %w", err)
	}
	return cfg, nil
}

// CredentialsSource describes where storage credentials will come from
func CredentialsSource(creds StorageCredentials) string {
	switch {
	case creds.AccessKeyID != "" && creds.SecretAccessKey != "":
		return "explicit"
	case os.Getenv("AWS_ACCESS_KEY_ID") != "":
		return "environment variables"
	default:
		return "default chain"
	}
}
