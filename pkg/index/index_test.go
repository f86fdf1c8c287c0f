package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/pointstream/pkg/config"
	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/geometry"
	"github.com/ajitpratap0/pointstream/pkg/query"
	"github.com/ajitpratap0/pointstream/pkg/reader"
	"github.com/ajitpratap0/pointstream/pkg/schema"
)

// scanCSV has three points inside [0,10]^3 and two outside.
const scanCSV = `X,Y,Z,Intensity,Classification
1,1,1,100,2
5,5,5,200,2
9,9,9,300,6
20,20,20,400,2
-5,15,3,500,9
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
}

func openDataset(t *testing.T, cfg config.IndexConfig, dir, name string) *Dataset {
	t.Helper()
	o := NewOpener(cfg, zaptest.NewLogger(t))
	r, err := o.Open(context.Background(), name, reader.OpenParams{Paths: []string{dir}})
	require.NoError(t, err)
	d, ok := r.(*Dataset)
	require.True(t, ok)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func mustQuery(t *testing.T, raw string) *query.Query {
	t.Helper()
	q, err := query.Parse(raw)
	require.NoError(t, err)
	return q
}

func TestOpenCSV(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "scan-001.csv", scanCSV)

	d := openDataset(t, config.IndexConfig{PointsPerNode: 2, MaxDepth: 8}, dir, "scan-001")
	assert.Equal(t, "scan-001", d.Name())
	assert.Equal(t, uint64(5), d.NumPoints())
	assert.Equal(t, []string{"X", "Y", "Z", "Intensity", "Classification"}, d.Schema().Names())
	assert.Equal(t, []float64{-5, 1, 1, 20, 20, 20}, d.Bounds().Array())
	assert.Greater(t, d.SizeBytes(), int64(0))

	info, err := d.Info()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), info["numPoints"])
	assert.Equal(t, 1, info["numFiles"])

	p, err := d.Point(3, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{20, 20, 20, 400, 2}, p)

	_, err = d.Point(5, nil)
	assert.Error(t, err)
}

func TestResolveIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "scan-001.csv", scanCSV)
	d := openDataset(t, config.IndexConfig{PointsPerNode: 2, MaxDepth: 8}, dir, "scan-001")
	ctx := context.Background()

	all, err := d.ResolveIDs(ctx, mustQuery(t, ""))
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{0, 1, 2, 3, 4}, all)
	// The root holds the first two points; everything else is deeper.
	assert.Equal(t, []uint64{0, 1}, all[:2])

	inside, err := d.ResolveIDs(ctx, mustQuery(t, `{"bounds":[0,0,0,10,10,10]}`))
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{0, 1, 2}, inside)

	rootOnly, err := d.ResolveIDs(ctx, mustQuery(t, `{"depth":0}`))
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, rootOnly)

	deeper, err := d.ResolveIDs(ctx, mustQuery(t, `{"depthBegin":1}`))
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{2, 3, 4}, deeper)

	filtered, err := d.ResolveIDs(ctx, mustQuery(t, `{"filter":{"Classification":2}}`))
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{0, 1, 3}, filtered)

	_, err = d.ResolveIDs(ctx, mustQuery(t, `{"filter":{"Red":2}}`))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	none, err := d.ResolveIDs(ctx, mustQuery(t, `{"bounds":[100,100,100,200,200,200]}`))
	require.NoError(t, err)
	assert.Empty(t, none)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = d.ResolveIDs(canceled, mustQuery(t, ""))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSummarize(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "scan-001.csv", scanCSV)
	d := openDataset(t, config.IndexConfig{PointsPerNode: 2, MaxDepth: 8}, dir, "scan-001")
	ctx := context.Background()

	doc, err := d.Summarize(ctx, mustQuery(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 2, doc["n"])
	assert.Equal(t, 5, countTotal(doc))
	for k := range doc {
		if k == "n" {
			continue
		}
		assert.Contains(t, []string{"swd", "sed", "nwd", "ned", "swu", "seu", "nwu", "neu"}, k)
	}

	empty, err := d.Summarize(ctx, mustQuery(t, `{"bounds":[100,100,100,200,200,200]}`))
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.NotNil(t, empty)

	inside, err := d.Summarize(ctx, mustQuery(t, `{"bounds":[0,0,0,10,10,10]}`))
	require.NoError(t, err)
	assert.Equal(t, 3, countTotal(inside))

	classified, err := d.Summarize(ctx, mustQuery(t, `{"filter":{"Classification":2}}`))
	require.NoError(t, err)
	assert.Equal(t, 3, countTotal(classified))

	none, err := d.Summarize(ctx, mustQuery(t, `{"filter":{"Classification":7}}`))
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = d.Summarize(ctx, mustQuery(t, `{"filter":{"Red":2}}`))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func countTotal(doc map[string]interface{}) int {
	total := 0
	for k, v := range doc {
		if k == "n" {
			total += v.(int)
			continue
		}
		total += countTotal(v.(map[string]interface{}))
	}
	return total
}

func TestManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tiles/a.csv", "X,Y,Z,Classification\n0,0,0,1\n1,1,1,2\n")
	writeFile(t, dir, "tiles/b.csv", "Classification,Z,Y,X,Extra\n3,10,10,10,7\n")
	writeFile(t, dir, "city.json", `{
		"files": ["tiles/a.csv", "tiles/b.csv"],
		"schema": [
			{"name":"X","type":"floating","size":8},
			{"name":"Y","type":"floating","size":8},
			{"name":"Z","type":"floating","size":8},
			{"name":"Classification","type":"unsigned","size":1}
		]
	}`)

	d := openDataset(t, config.IndexConfig{PointsPerNode: 16, MaxDepth: 4}, dir, "city")
	assert.Equal(t, uint64(3), d.NumPoints())
	assert.Equal(t, 25, d.Schema().PointSize())

	p, err := d.Point(2, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 10, 10, 3}, p, "columns are mapped by name")

	files, err := d.Files(reader.FileSearch{})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, uint64(2), files[0].NumPoints)
	assert.True(t, strings.HasSuffix(files[1].Path, "tiles/b.csv"))

	origin := uint64(1)
	files, err = d.Files(reader.FileSearch{Origin: &origin})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, uint64(1), files[0].NumPoints)

	b := geometry.NewBounds(geometry.Point{X: -1, Y: -1, Z: -1}, geometry.Point{X: 0.5, Y: 0.5, Z: 0.5}, true)
	files, err = d.Files(reader.FileSearch{Bounds: &b})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, uint64(0), files[0].Origin)

	files, err = d.Files(reader.FileSearch{Path: files[0].Path})
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.csv", "X,Y,Z\n1,2,three\n")
	writeFile(t, dir, "dangling.json", `{"files":["gone.csv"]}`)
	writeFile(t, dir, "schema.json", `{"files":["s.csv"],"schema":[{"name":"X","type":"floating","size":8}]}`)
	writeFile(t, dir, "s.csv", "X\n1\n")

	o := NewOpener(config.IndexConfig{}, zaptest.NewLogger(t))
	ctx := context.Background()
	params := reader.OpenParams{Paths: []string{filepath.Join(dir, "nowhere"), dir}}

	tests := []struct {
		name    string
		dataset string
		errType errors.ErrorType
	}{
		{"missing", "scan-404", errors.ErrorTypeNotFound},
		{"traversal", "../etc/passwd", errors.ErrorTypeNotFound},
		{"empty name", "", errors.ErrorTypeNotFound},
		{"bad value", "broken", errors.ErrorTypeData},
		{"dangling manifest", "dangling", errors.ErrorTypeData},
		{"schema without xyz", "schema", errors.ErrorTypeData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Open(ctx, tt.dataset, params)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.errType), "got %v", err)
		})
	}
}

func TestSearchOrderAndDepthCap(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeFile(t, second, "scan.csv", scanCSV)

	var sb strings.Builder
	sb.WriteString("X,Y,Z\n")
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&sb, "%d,%d,%d\n", i%10, (i/10)%10, i%7)
	}
	writeFile(t, first, "scan.csv", sb.String())

	o := NewOpener(config.IndexConfig{PointsPerNode: 4, MaxDepth: 3}, zaptest.NewLogger(t))
	r, err := o.Open(context.Background(), "scan", reader.OpenParams{Paths: []string{first, second}})
	require.NoError(t, err)
	d := r.(*Dataset)

	assert.Equal(t, uint64(200), d.NumPoints(), "first path wins")
	assert.LessOrEqual(t, d.Depth(), 3)
	assert.Equal(t, schema.Schema{
		{Name: "X", Type: schema.Floating, Size: 8},
		{Name: "Y", Type: schema.Floating, Size: 8},
		{Name: "Z", Type: schema.Floating, Size: 8},
	}, d.Schema())

	ids, err := d.ResolveIDs(context.Background(), mustQuery(t, ""))
	require.NoError(t, err)
	assert.Len(t, ids, 200)
}

func TestClosedDataset(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "scan-001.csv", scanCSV)
	d := openDataset(t, config.IndexConfig{}, dir, "scan-001")
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err := d.Info()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeState))
}
