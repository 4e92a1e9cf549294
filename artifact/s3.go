package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/circleci/disttest/config/secret"
	"github.com/circleci/disttest/o11y"
)

type S3Config struct {
	Region string
	// Endpoint overrides the AWS endpoint, for S3 compatible stores such as minio.
	Endpoint string
	// AccessKey and SecretKey are optional, the default credential chain is used without them.
	AccessKey string
	SecretKey secret.String
}

// NewS3Client builds an S3 client from the default AWS configuration with the overrides in cfg applied.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey.Raw(), ""),
		))
	}
	if cfg.Endpoint != "" {
		resolveFn := func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				PartitionID:       "aws",
				URL:               cfg.Endpoint,
				SigningRegion:     region,
				HostnameImmutable: true,
			}, nil
		}
		opts = append(opts, config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(resolveFn)))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not load aws config: %w", err)
	}
	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	}), nil
}

// S3 downloads the artifact at Bucket/Key into Dir, once.
type S3 struct {
	Client *s3.Client
	Bucket string
	Key    string
	Dir    string
}

func (s S3) Resolve(ctx context.Context) (_ string, err error) {
	ctx, span := o11y.StartSpan(ctx, "artifact: s3")
	defer o11y.End(span, &err)
	span.AddField("bucket", s.Bucket)
	span.AddField("key", s.Key)

	target, err := filepath.Abs(filepath.Join(s.Dir, path.Base(s.Key)))
	if err != nil {
		return "", err
	}
	if isCached(target) {
		span.AddField("cached", true)
		return target, nil
	}

	err = os.MkdirAll(filepath.Dir(target), 0755) //#nosec:G301 // downloads are intentionally world-readable
	if err != nil {
		return "", fmt.Errorf("could not create directory: %w", err)
	}

	tmp := target + ".tmp"
	defer func() {
		_ = os.Remove(tmp)
	}()

	n, err := s.download(ctx, tmp)
	if err != nil {
		if isS3NotFound(err) {
			return "", fmt.Errorf("%w: s3://%s/%s", ErrNotFound, s.Bucket, s.Key)
		}
		return "", fmt.Errorf("could not download s3://%s/%s: %w", s.Bucket, s.Key, err)
	}
	span.AddField("bytes", n)

	err = os.Rename(tmp, target)
	if err != nil {
		return "", err
	}
	return target, nil
}

func (s S3) download(ctx context.Context, target string) (n int64, err error) {
	//#nosec:G304 // the target is derived from the configured directory
	out, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}
	defer func() {
		cerr := out.Close()
		if err == nil {
			err = cerr
		}
	}()

	return manager.NewDownloader(s.Client).Download(ctx, out, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
