package arbiter

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/pointstream/pkg/compression"
	"github.com/ajitpratap0/pointstream/pkg/errors"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg.S3.Region)
	assert.Equal(t, 4, cfg.HTTP.RetryMax)

	cfg, err = ParseConfig(`{"s3":{"region":"eu-west-1","usePathStyle":true},"http":{"timeout":"5s"}}`)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cfg.S3.Region)
	assert.True(t, cfg.S3.UsePathStyle)
	assert.Equal(t, Duration(5*time.Second), cfg.HTTP.Timeout)
	assert.Equal(t, 4, cfg.HTTP.RetryMax, "unset fields keep defaults")

	_, err = ParseConfig(`{"s3":`)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestScheme(t *testing.T) {
	assert.Equal(t, "file", Scheme("/data/scan.csv"))
	assert.Equal(t, "file", Scheme("relative/scan.csv"))
	assert.Equal(t, "file", Scheme("file:///data/scan.csv"))
	assert.Equal(t, "s3", Scheme("s3://bucket/key"))
	assert.Equal(t, "gs", Scheme("gcs://bucket/key"))
	assert.Equal(t, "https", Scheme("HTTPS://host/a"))

	assert.Equal(t, "s3://b/clouds/scan.json", Join("s3://b/clouds/", "scan.json"))
	assert.Equal(t, "scan.json", Join(".", "scan.json"))
}

func TestSplitBucket(t *testing.T) {
	b, k, err := splitBucket("s3://bucket/a/b.csv")
	require.NoError(t, err)
	assert.Equal(t, "bucket", b)
	assert.Equal(t, "a/b.csv", k)

	_, _, err = splitBucket("s3://bucket")
	assert.Error(t, err)
}

func TestFileDriver(t *testing.T) {
	dir := t.TempDir()
	content := []byte("X,Y,Z\n1,2,3\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plain.csv"), content, 0o600))

	comp, err := compression.NewCompressor(&compression.Config{Algorithm: compression.Zstd, Level: compression.Default})
	require.NoError(t, err)
	packed, err := comp.AppendCompress(nil, content)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "packed.csv.zst"), packed, 0o600))

	a, err := New("", zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	got, err := a.ReadAll(ctx, filepath.Join(dir, "plain.csv"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	got, err = a.ReadAll(ctx, "file://"+filepath.Join(dir, "packed.csv.zst"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = a.Open(ctx, filepath.Join(dir, "missing.csv"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestHTTPDriver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/scan.csv") {
			_, _ = io.WriteString(w, "X,Y,Z\n")
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	a, err := New(`{"http":{"retryMax":0}}`, nil)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := a.ReadAll(ctx, srv.URL+"/clouds/scan.csv")
	require.NoError(t, err)
	assert.Equal(t, "X,Y,Z\n", string(got))

	_, err = a.Open(ctx, srv.URL+"/clouds/other.csv")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

type staticDriver map[string]string

func (s staticDriver) Open(_ context.Context, location string) (io.ReadCloser, error) {
	v, ok := s[location]
	if !ok {
		return nil, errors.New(errors.ErrorTypeNotFound, "missing")
	}
	return io.NopCloser(strings.NewReader(v)), nil
}

func TestRegisterAndUnknownScheme(t *testing.T) {
	a, err := New("", nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.Open(ctx, "ftp://host/file")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	a.Register("mem", staticDriver{"mem://a": "hello"})
	got, err := a.ReadAll(ctx, "mem://a")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}
