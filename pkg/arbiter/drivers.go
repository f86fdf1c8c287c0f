package arbiter

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hashicorp/go-retryablehttp"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/mmap"
)

// fileDriver reads the local filesystem through read-only mappings.
type fileDriver struct{}

func (fileDriver) Open(_ context.Context, location string) (io.ReadCloser, error) {
	p := strings.TrimPrefix(location, "file://")
	f, err := mmap.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(err, errors.ErrorTypeNotFound, "file not found").WithDetail("location", location)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open file").WithDetail("location", location)
	}
	return f, nil
}

// s3Driver downloads whole objects with ranged, concurrent part requests.
type s3Driver struct {
	client     *s3.Client
	downloader *manager.Downloader
}

func newS3Driver(ctx context.Context, cfg S3Config) (*s3Driver, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		if cfg.PartSize > 0 {
			d.PartSize = cfg.PartSize
		}
		if cfg.Concurrency > 0 {
			d.Concurrency = cfg.Concurrency
		}
	})
	return &s3Driver{client: client, downloader: downloader}, nil
}

func (d *s3Driver) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, key, err := splitBucket(location)
	if err != nil {
		return nil, err
	}

	buf := manager.NewWriteAtBuffer(nil)
	_, err = d.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var notFound *types.NotFound
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &notFound) || errors.As(err, &noBucket) {
			return nil, errors.Wrap(err, errors.ErrorTypeNotFound, "object not found").WithDetail("location", location)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to download object").WithDetail("location", location)
	}
	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}

// gsDriver reads Google Cloud Storage objects.
type gsDriver struct {
	client *storage.Client
}

func newGSDriver(ctx context.Context, cfg GSConfig) (*gsDriver, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create GCS client")
	}
	return &gsDriver{client: client}, nil
}

func (d *gsDriver) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, object, err := splitBucket(location)
	if err != nil {
		return nil, err
	}
	r, err := d.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, errors.Wrap(err, errors.ErrorTypeNotFound, "object not found").WithDetail("location", location)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open object").WithDetail("location", location)
	}
	return r, nil
}

// httpDriver fetches objects over HTTP, retrying transient failures.
type httpDriver struct {
	client *retryablehttp.Client
}

func newHTTPDriver(cfg HTTPConfig) *httpDriver {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = cfg.RetryMax
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = time.Duration(cfg.Timeout)
	}
	return &httpDriver{client: client}
}

func (d *httpDriver) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid location").WithDetail("location", location)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "request failed").WithDetail("location", location)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, errors.New(errors.ErrorTypeNotFound, "object not found").WithDetail("location", location)
	case resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, errors.Newf(errors.ErrorTypeFile, "unexpected status %d", resp.StatusCode).WithDetail("location", location)
	}
	return resp.Body, nil
}
