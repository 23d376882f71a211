package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"envsync/pkg/config"
)

// S3Store is a Store backed by an S3-compatible endpoint
type S3Store struct {
	client *s3.Client
	region string
	log    *zap.Logger
}

// NewS3Store creates a store for the given storage credentials
func NewS3Store(ctx context.Context, creds config.StorageCredentials, log *zap.Logger) (*S3Store, error) {
	awsCfg, err := config.LoadAWSConfig(ctx, creds)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if creds.Endpoint != "" {
			o.BaseEndpoint = aws.String(creds.Endpoint)
			// Required by most non-AWS providers
			o.UsePathStyle = true
		}
	})

	log.Debug("storage client configured",
		zap.String("endpoint", creds.Endpoint),
		zap.String("region", awsCfg.Region),
		zap.String("credentials", config.CredentialsSource(creds)))

	return &S3Store{client: client, region: awsCfg.Region, log: log}, nil
}

// NewS3StoreFromClient wraps an existing client
func NewS3StoreFromClient(client *s3.Client, region string, log *zap.Logger) *S3Store {
	return &S3Store{client: client, region: region, log: log}
}

func (s *S3Store) List(ctx context.Context, bucket, prefix string) ([]Entry, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []Entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s/%s: %w", bucket, prefix, classify(err))
		}

		// An empty name is a real empty segment, e.g. "a//" under "a/"
		for _, p := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(p.Prefix), prefix), "/")
			entries = append(entries, Entry{Name: name, Kind: KindDirectory})
		}

		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			// directory marker objects
			if name == "" || strings.HasSuffix(name, "/") {
				continue
			}
			entries = append(entries, Entry{Name: name, Kind: KindFile, Size: aws.ToInt64(obj.Size)})
		}
	}
	return entries, nil
}

func (s *S3Store) Download(ctx context.Context, bucket, path string) (*Object, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", bucket, path, classify(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", bucket, path, err)
	}

	return &Object{
		Body:        body,
		ContentType: aws.ToString(resp.ContentType),
		Metadata:    resp.Metadata,
	}, nil
}

func (s *S3Store) Upload(ctx context.Context, bucket, path string, obj *Object) error {
	sum := md5.Sum(obj.Body)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(path),
		Body:          bytes.NewReader(obj.Body),
		ContentLength: aws.Int64(int64(len(obj.Body))),
		ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		Metadata:      obj.Metadata,
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", bucket, path, classify(err))
	}
	return nil
}

func (s *S3Store) CreateBucket(ctx context.Context, bucket string, public bool) error {
	input := &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	}

	// For regions other than us-east-1, we need to specify LocationConstraint
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}

	existed := false
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if !errors.As(err, &owned) && !errors.As(err, &exists) {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		existed = true
	}

	if public {
		if err := s.makePublic(ctx, bucket); err != nil {
			// The bucket is usable for uploads either way
			s.log.Warn("failed to apply public read policy", zap.String("bucket", bucket), zap.Error(err))
		}
	}

	if existed {
		s.log.Info("bucket already exists", zap.String("bucket", bucket), zap.Bool("public", public))
	} else {
		s.log.Info("created bucket", zap.String("bucket", bucket), zap.Bool("public", public))
	}
	return nil
}

func (s *S3Store) makePublic(ctx context.Context, bucket string) error {
	policy, err := json.Marshal(map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{{
			"Sid":       "PublicRead",
			"Effect":    "Allow",
			"Principal": "*",
			"Action":    []string{"s3:GetObject"},
			"Resource":  []string{fmt.Sprintf("arn:aws:s3:::%s/*", bucket)},
		}},
	})
	if err != nil {
		return err
	}

	_, err = s.client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(bucket),
		Policy: aws.String(string(policy)),
	})
	return err
}

// classify maps storage API errors onto package sentinels
func classify(err error) error {
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return fmt.Errorf("%w: %v", ErrBucketNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchBucket" {
		return fmt.Errorf("%w: %v", ErrBucketNotFound, err)
	}
	return err
}
