package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/kenneth/blob-encryption-gateway/internal/blobstore"
	"github.com/kenneth/blob-encryption-gateway/internal/config"
)

// Client is the S3 backend client interface.
type Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, opts *PutOptions) (*ObjectInfo, error)
	// GetObject fetches the object; rangeHeader is a Range header value or "".
	GetObject(ctx context.Context, bucket, key, rangeHeader string) (*Object, error)
	HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, bucket, key string) error
}

// PutOptions holds the request properties of a put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectInfo holds information about an S3 object.
type ObjectInfo struct {
	// ContentLength is the size of the response body for GetObject and
	// the object size otherwise. -1 when not reported.
	ContentLength int64
	ContentType   string
	ETag          string
	LastModified  time.Time
	// Metadata holds user metadata with lower-case keys.
	Metadata map[string]string
}

// Object is an open GetObject response.
type Object struct {
	Body io.ReadCloser
	ObjectInfo
	// ContentRange is set for ranged responses.
	ContentRange string
}

// Size returns the stored object size: the Content-Range total of a ranged
// response, the content length otherwise.
func (o *Object) Size() int64 {
	if o.ContentRange != "" {
		return blobstore.ParseContentRangeTotal(o.ContentRange)
	}
	return o.ContentLength
}

// s3Client implements the Client interface using AWS SDK v2.
type s3Client struct {
	client *s3.Client
}

// NewClient creates a new S3 backend client.
func NewClient(ctx context.Context, cfg *config.S3Config) (Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Configure endpoint for non-AWS providers
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &s3Client{client: client}, nil
}

// PutObject uploads an object to S3.
func (c *s3Client) PutObject(ctx context.Context, bucket, key string, reader io.Reader, opts *PutOptions) (*ObjectInfo, error) {
	if opts == nil {
		opts = &PutOptions{}
	}
	// The SDK needs a seekable body to sign the payload.
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read object data: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata:      opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	result, err := c.client.PutObject(ctx, input)
	if err != nil {
		return nil, translateError(fmt.Errorf("failed to put object %s/%s: %w", bucket, key, err))
	}

	return &ObjectInfo{
		ContentLength: int64(len(body)),
		ContentType:   opts.ContentType,
		ETag:          aws.ToString(result.ETag),
		Metadata:      extractMetadata(opts.Metadata),
	}, nil
}

// GetObject retrieves an object from S3.
func (c *s3Client) GetObject(ctx context.Context, bucket, key, rangeHeader string) (*Object, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if rangeHeader != "" {
		input.Range = aws.String(rangeHeader)
	}

	result, err := c.client.GetObject(ctx, input)
	if err != nil {
		return nil, translateError(fmt.Errorf("failed to get object %s/%s: %w", bucket, key, err))
	}

	obj := &Object{
		Body: result.Body,
		ObjectInfo: ObjectInfo{
			ContentLength: -1,
			ContentType:   aws.ToString(result.ContentType),
			ETag:          aws.ToString(result.ETag),
			LastModified:  aws.ToTime(result.LastModified),
			Metadata:      extractMetadata(result.Metadata),
		},
		ContentRange: aws.ToString(result.ContentRange),
	}
	if result.ContentLength != nil {
		obj.ContentLength = *result.ContentLength
	}
	return obj, nil
}

// DeleteObject deletes an object from S3.
func (c *s3Client) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return translateError(fmt.Errorf("failed to delete object %s/%s: %w", bucket, key, err))
	}
	return nil
}

// HeadObject retrieves object metadata without the body.
func (c *s3Client) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	result, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateError(fmt.Errorf("failed to head object %s/%s: %w", bucket, key, err))
	}

	info := &ObjectInfo{
		ContentLength: -1,
		ContentType:   aws.ToString(result.ContentType),
		ETag:          aws.ToString(result.ETag),
		LastModified:  aws.ToTime(result.LastModified),
		Metadata:      extractMetadata(result.Metadata),
	}
	if result.ContentLength != nil {
		info.ContentLength = *result.ContentLength
	}
	return info, nil
}

// extractMetadata copies metadata with lower-case keys.
func extractMetadata(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[strings.ToLower(k)] = v
	}
	return out
}

// translateError marks missing objects and unsatisfiable ranges with the
// blobstore sentinels. The SDK error stays in the chain.
func translateError(err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", blobstore.ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return fmt.Errorf("%w: %w", blobstore.ErrNotFound, err)
		case "InvalidRange":
			return fmt.Errorf("%w: %w", blobstore.ErrRangeNotSatisfiable, err)
		}
	}
	return err
}
