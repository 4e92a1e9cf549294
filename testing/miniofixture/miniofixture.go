// Package miniofixture creates a throwaway bucket in a local minio (or any S3 compatible
// store) so artifact resolution from S3 can be tested. Tests are skipped when no store is
// listening, unless running in CI.
package miniofixture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"gotest.tools/v3/assert"

	"github.com/circleci/disttest/artifact"
	"github.com/circleci/disttest/config/secret"
)

type Config struct {
	URL    string
	Key    string
	Secret secret.String
	Region string
	Bucket string
}

type Fixture struct {
	Config
	Client *s3.Client
}

// Setup creates a bucket, removing it and its contents when the test completes.
func Setup(ctx context.Context, t testing.TB, cfg Config) *Fixture {
	t.Helper()
	setConfigDefaults(t, &cfg)
	skipIfNotRunning(t, cfg.URL)

	client, err := artifact.NewS3Client(ctx, artifact.S3Config{
		Region:    cfg.Region,
		Endpoint:  cfg.URL,
		AccessKey: cfg.Key,
		SecretKey: cfg.Secret,
	})
	assert.NilError(t, err)

	fix := &Fixture{Config: cfg, Client: client}
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	assert.NilError(t, err, "create bucket failed")

	t.Cleanup(func() {
		fix.clean(t)
	})
	return fix
}

// Upload puts the contents of r into the bucket at key.
func (f *Fixture) Upload(ctx context.Context, t testing.TB, key string, r io.Reader) {
	t.Helper()
	_, err := f.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(f.Bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	assert.NilError(t, err)
}

func setConfigDefaults(t testing.TB, cfg *Config) {
	if cfg.URL == "" {
		cfg.URL = "http://localhost:9123"
	}
	if cfg.Key == "" {
		cfg.Key = "minio"
	}
	if cfg.Secret == "" {
		cfg.Secret = "minio123"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Bucket == "" {
		cfg.Bucket = BucketName(t)
	}
}

func skipIfNotRunning(t testing.TB, rawURL string) {
	t.Helper()
	if strings.EqualFold("true", os.Getenv("CI")) {
		return
	}

	u, err := url.Parse(rawURL)
	assert.Assert(t, err)

	conn, err := net.DialTimeout("tcp", u.Host, 2*time.Second)
	if err != nil {
		t.Skip("Minio is not running")
	}
	_ = conn.Close()
}

// BucketName derives a valid, probably unique, bucket name from the test name.
func BucketName(t testing.TB) string {
	t.Helper()

	r := rand.Uint32() >> 8 //#nosec:G404 // just to avoid matching bucket names in case of failed cleanup
	prefix := strings.ToLower(t.Name())
	prefix = strings.ReplaceAll(prefix, "_", "-")
	prefix = strings.ReplaceAll(prefix, "/", "-")

	// Bucket names are limited to 63 characters, leave room for the random suffix
	if len(prefix) > 54 {
		prefix = prefix[:54]
	}
	return prefix + "-" + strconv.Itoa(int(r))
}

func (f *Fixture) clean(t testing.TB) {
	t.Helper()
	ctx := context.Background()

	var err error
	for i := 0; i < 5; i++ {
		err = f.emptyBucket(ctx)
		if err == nil {
			_, err = f.Client.DeleteBucket(ctx, &s3.DeleteBucketInput{
				Bucket: aws.String(f.Bucket),
			})
		}
		if err == nil {
			return
		}
		time.Sleep(time.Second)
	}
	assert.NilError(t, err)
}

func (f *Fixture) emptyBucket(ctx context.Context) error {
	listReq := &s3.ListObjectsV2Input{Bucket: aws.String(f.Bucket)}
	for {
		out, err := f.Client.ListObjectsV2(ctx, listReq)
		if err != nil {
			nsb := &types.NoSuchBucket{}
			if errors.As(err, &nsb) {
				return nil
			}
			return fmt.Errorf("failed to list objects: %w", err)
		}
		for _, o := range out.Contents {
			_, err = f.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(f.Bucket),
				Key:    o.Key,
			})
			if err != nil {
				return err
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		listReq.ContinuationToken = out.NextContinuationToken
	}
}
