package plotstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Mirror archives stored images to an S3 bucket under <prefix>/<key>.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Mirror loads the default AWS credential chain for region.
func NewS3Mirror(ctx context.Context, region, bucket, prefix string) (*S3Mirror, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("s3 mirror: bucket is required")
	}
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Mirror{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

// Upload implements Mirror.
func (m *S3Mirror) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(m.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

func (m *S3Mirror) objectKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if m.prefix == "" {
		return key
	}
	return m.prefix + "/" + key
}
