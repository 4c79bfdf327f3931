package artifact

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/warp/issuance-engine/config"
)

// ObjectPutter is the subset of *s3.Client the archive uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Archive struct {
	Client ObjectPutter
	Bucket string
	Prefix string
}

// NewS3Archive builds a client from static credentials when they are
// configured, otherwise from the default AWS credential chain.
func NewS3Archive(ctx context.Context, cfg config.S3Config) (*S3Archive, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Archive{
		Client: s3.NewFromConfig(sdkConfig),
		Bucket: cfg.Bucket,
		Prefix: cfg.Prefix,
	}, nil
}

func (a *S3Archive) Archive(ctx context.Context, b Bundle) error {
	for part, data := range parts(b) {
		key := Key(a.Prefix, b, part)
		_, err := a.Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(http.DetectContentType(data)),
			Metadata: map[string]string{
				"integrity-hash": b.IntegrityHash,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s to S3: %w", key, err)
		}
	}
	return nil
}
