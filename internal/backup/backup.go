// Package backup uploads locked vault contents to S3-compatible storage.
//
// Uploads are one-way: the local vault stays authoritative and nothing is
// ever downloaded or restored from the bucket by this daemon. Only
// ciphertext envelopes and manifests leave the machine, plaintext never
// does. Upload failures are reported to the caller for logging but must
// not fail the lock operation that triggered them.
package backup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/phantomvault/phantomd/internal/logger"
)

// Config contains the S3 target settings.
type Config struct {
	// Bucket is the destination bucket, which must already exist
	Bucket string

	// Region is the AWS region
	Region string

	// Endpoint overrides the S3 endpoint for S3-compatible storage
	// (MinIO, Localstack, Cubbit and friends)
	Endpoint string

	// Prefix is prepended to every object key
	Prefix string

	// AccessKeyID and SecretAccessKey configure static credentials.
	// When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// Uploader pushes files to a single bucket. Safe for concurrent use.
type Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewUploader builds an S3 client from cfg and verifies bucket access.
func NewUploader(ctx context.Context, cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	var configOptions []func(*awsConfig.LoadOptions) error
	configOptions = append(configOptions, awsConfig.WithRegion(cfg.Region))

	if cfg.Endpoint != "" {
		//nolint:staticcheck // BaseEndpoint migration pending AWS SDK v2 API stabilization
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Path-style addressing for MinIO/Localstack compatibility
		if cfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// UploadFile uploads a single local file under the given key parts.
func (u *Uploader) UploadFile(ctx context.Context, localPath string, keyParts ...string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	key := u.objectKey(keyParts...)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// UploadDir walks localDir and uploads every regular file, preserving the
// directory structure under the given key parts. Returns the number of
// objects uploaded.
func (u *Uploader) UploadDir(ctx context.Context, localDir string, keyParts ...string) (int, error) {
	uploaded := 0
	err := filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}

		parts := append(append([]string{}, keyParts...), filepath.ToSlash(rel))
		if err := u.UploadFile(ctx, path, parts...); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		return uploaded, fmt.Errorf("failed to upload directory %s: %w", localDir, err)
	}
	logger.Debug("backup: uploaded %d objects from %s", uploaded, localDir)
	return uploaded, nil
}

// objectKey joins the configured prefix with the given parts.
func (u *Uploader) objectKey(parts ...string) string {
	all := parts
	if u.prefix != "" {
		all = append([]string{u.prefix}, parts...)
	}
	return strings.Join(all, "/")
}
