// Package arbiter resolves dataset source locations to byte streams.
//
// A location is either a local path (optionally file://) or a URL with one
// of the schemes s3://, gs:// (or gcs://), http:// or https://. Remote
// drivers are configured by the arbiter document, a JSON object supplied
// once per process:
//
//	{
//	  "s3":   {"region": "us-west-2", "endpoint": "http://minio:9000", "usePathStyle": true},
//	  "gs":   {"credentialsFile": "/etc/gcs.json"},
//	  "http": {"retryMax": 4, "timeout": "30s"}
//	}
//
// Streams whose path ends in a compression extension (.zst, .lz4, .gz,
// .sz, .snappy, .s2) are decompressed transparently.
package arbiter

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/pointstream/pkg/compression"
	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/json"
)

// Config is the decoded arbiter document.
type Config struct {
	S3   S3Config   `json:"s3"`
	GS   GSConfig   `json:"gs"`
	HTTP HTTPConfig `json:"http"`
}

// S3Config configures the s3:// driver.
type S3Config struct {
	Region       string `json:"region"`
	Endpoint     string `json:"endpoint"`
	Profile      string `json:"profile"`
	UsePathStyle bool   `json:"usePathStyle"`
	// PartSize is the ranged-download part size in bytes
	PartSize int64 `json:"partSize"`
	// Concurrency is the number of parts fetched in parallel
	Concurrency int `json:"concurrency"`
}

// GSConfig configures the gs:// driver.
type GSConfig struct {
	CredentialsFile string `json:"credentialsFile"`
	Endpoint        string `json:"endpoint"`
	// Anonymous skips credential discovery, for public buckets and emulators
	Anonymous bool `json:"anonymous"`
}

// HTTPConfig configures the http(s):// driver.
type HTTPConfig struct {
	RetryMax int      `json:"retryMax"`
	Timeout  Duration `json:"timeout"`
}

// Duration decodes from a Go duration string such as "30s".
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// ParseConfig decodes an arbiter document. An empty document yields the
// defaults.
func ParseConfig(raw string) (Config, error) {
	cfg := Config{
		S3:   S3Config{Region: "us-east-1"},
		HTTP: HTTPConfig{RetryMax: 4, Timeout: Duration(60 * time.Second)},
	}
	if strings.TrimSpace(raw) == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.ErrorTypeConfig, "invalid arbiter configuration")
	}
	return cfg, nil
}

// Driver opens raw streams for one family of locations.
type Driver interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// Arbiter routes locations to drivers. Remote clients are created on first
// use, so a process that only reads local files never touches cloud
// credentials.
type Arbiter struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	drivers map[string]Driver
}

// New creates an arbiter from a raw arbiter document.
func New(raw string, logger *zap.Logger) (*Arbiter, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Arbiter{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "arbiter")),
		drivers: map[string]Driver{
			"file": fileDriver{},
		},
	}, nil
}

// Config returns the decoded arbiter document.
func (a *Arbiter) Config() Config { return a.cfg }

// Register installs a driver for a scheme, replacing any existing one.
func (a *Arbiter) Register(scheme string, d Driver) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drivers[scheme] = d
}

// Open returns the stream for location, decompressed according to its
// extension. A missing object is a not_found error.
func (a *Arbiter) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	raw, err := a.OpenRaw(ctx, location)
	if err != nil {
		return nil, err
	}
	alg := compression.FromExtension(location)
	if alg == compression.None {
		return raw, nil
	}
	r, err := compression.NewReader(raw, alg)
	if err != nil {
		raw.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to open compressed stream").
			WithDetail("location", location)
	}
	return &stackedCloser{Reader: r, closers: []io.Closer{r, raw}}, nil
}

// OpenRaw returns the stream for location without decompression.
func (a *Arbiter) OpenRaw(ctx context.Context, location string) (io.ReadCloser, error) {
	d, err := a.driver(ctx, Scheme(location))
	if err != nil {
		return nil, err
	}
	return d.Open(ctx, location)
}

// ReadAll reads and decompresses the whole object at location.
func (a *Arbiter) ReadAll(ctx context.Context, location string) ([]byte, error) {
	r, err := a.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read").WithDetail("location", location)
	}
	return data, nil
}

func (a *Arbiter) driver(ctx context.Context, scheme string) (Driver, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if d, ok := a.drivers[scheme]; ok {
		return d, nil
	}

	var (
		d   Driver
		err error
	)
	switch scheme {
	case "s3":
		d, err = newS3Driver(ctx, a.cfg.S3)
	case "gs":
		d, err = newGSDriver(ctx, a.cfg.GS)
	case "http", "https":
		d = newHTTPDriver(a.cfg.HTTP)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "no driver for scheme %q", scheme)
	}
	if err != nil {
		return nil, err
	}

	a.logger.Debug("driver initialized", zap.String("scheme", scheme))
	a.drivers[scheme] = d
	if scheme == "http" || scheme == "https" {
		a.drivers["http"], a.drivers["https"] = d, d
	}
	return d, nil
}

// Scheme returns the driver scheme of a location: "file" for local paths.
func Scheme(location string) string {
	i := strings.Index(location, "://")
	if i <= 0 {
		return "file"
	}
	switch s := strings.ToLower(location[:i]); s {
	case "gcs":
		return "gs"
	default:
		return s
	}
}

// Join appends a relative name to a base location, for local paths and
// URLs alike.
func Join(base, name string) string {
	if base == "" || base == "." {
		return name
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(name, "/")
}

// splitBucket splits "scheme://bucket/key/path" into bucket and key.
func splitBucket(location string) (bucket, key string, err error) {
	i := strings.Index(location, "://")
	rest := location[i+3:]
	j := strings.Index(rest, "/")
	if j <= 0 || j == len(rest)-1 {
		return "", "", errors.Newf(errors.ErrorTypeValidation, "location %s must be scheme://bucket/key", location)
	}
	return rest[:j], rest[j+1:], nil
}

type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
