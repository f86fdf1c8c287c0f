package compression

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("X=1.5,Y=2.5,Z=3.5;classification=2;"), 200)
	algorithms := []Algorithm{None, Gzip, Snappy, LZ4, Zstd, S2}

	for _, alg := range algorithms {
		t.Run(string(alg), func(t *testing.T) {
			comp, err := NewCompressor(&Config{Algorithm: alg, Level: Default})
			require.NoError(t, err)
			assert.Equal(t, alg, comp.Algorithm())

			prefix := []byte("head")
			frame, err := comp.AppendCompress(append([]byte(nil), prefix...), original)
			require.NoError(t, err)
			require.True(t, bytes.HasPrefix(frame, prefix), "append must keep dst")

			decoded, err := comp.Decompress(frame[len(prefix):])
			require.NoError(t, err)
			assert.Equal(t, original, decoded)

			if alg != None {
				t.Logf("%s: %d -> %d bytes", alg, len(original), len(frame)-len(prefix))
			}
		})
	}
}

func TestFramesAreIndependent(t *testing.T) {
	comp, err := NewCompressor(DefaultConfig())
	require.NoError(t, err)

	a, err := comp.AppendCompress(nil, []byte("first chunk"))
	require.NoError(t, err)
	b, err := comp.AppendCompress(nil, []byte("second chunk"))
	require.NoError(t, err)

	gotB, err := comp.Decompress(b)
	require.NoError(t, err)
	assert.Equal(t, "second chunk", string(gotB))

	gotA, err := comp.Decompress(a)
	require.NoError(t, err)
	assert.Equal(t, "first chunk", string(gotA))
}

func TestLevels(t *testing.T) {
	data := bytes.Repeat([]byte("test data for compression "), 100)
	for _, level := range []Level{Fastest, Default, Better, Best} {
		t.Run(level.String(), func(t *testing.T) {
			comp, err := NewCompressor(&Config{Algorithm: Zstd, Level: level})
			require.NoError(t, err)
			frame, err := comp.AppendCompress(nil, data)
			require.NoError(t, err)
			out, err := comp.Decompress(frame)
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}
}

func TestParseAlgorithm(t *testing.T) {
	alg, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, LZ4, alg)

	alg, err = ParseAlgorithm(" ZSTD ")
	require.NoError(t, err)
	assert.Equal(t, Zstd, alg)

	_, err = ParseAlgorithm("brotli")
	assert.Error(t, err)

	_, err = NewCompressor(&Config{Algorithm: "brotli"})
	assert.Error(t, err)
}

func TestFromExtension(t *testing.T) {
	tests := map[string]Algorithm{
		"scan-001.csv":       None,
		"scan-001.csv.zst":   Zstd,
		"scan-001.csv.lz4":   LZ4,
		"scan-001.csv.gz":    Gzip,
		"scan-001.csv.sz":    Snappy,
		"scan-001.csv.s2":    S2,
		"s3://b/k/c.CSV.GZ":  Gzip,
		"http://h/a.json.gz": Gzip,
	}
	for name, want := range tests {
		assert.Equal(t, want, FromExtension(name), name)
	}
	assert.Equal(t, "scan-001.csv", TrimExtension("scan-001.csv.zst"))
	assert.Equal(t, "scan-001.csv", TrimExtension("scan-001.csv"))
}

func TestNewReader(t *testing.T) {
	original := bytes.Repeat([]byte("1,2,3\n"), 1000)

	comp, err := NewCompressor(&Config{Algorithm: Zstd, Level: Default})
	require.NoError(t, err)
	frame, err := comp.AppendCompress(nil, original)
	require.NoError(t, err)

	r, err := NewReader(bytes.NewReader(frame), Zstd)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, original, got)

	plain, err := NewReader(bytes.NewReader(original), None)
	require.NoError(t, err)
	got, err = io.ReadAll(plain)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}
