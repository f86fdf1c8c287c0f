package index

import (
	"context"
	"encoding/csv"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/pointstream/pkg/arbiter"
	"github.com/ajitpratap0/pointstream/pkg/config"
	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/geometry"
	"github.com/ajitpratap0/pointstream/pkg/json"
	"github.com/ajitpratap0/pointstream/pkg/reader"
	"github.com/ajitpratap0/pointstream/pkg/schema"
)

// pointExtensions are tried, in order, for a single-file dataset.
var pointExtensions = []string{".csv", ".csv.zst", ".csv.lz4", ".csv.gz", ".csv.sz"}

const (
	inferenceRows = 1000
	cancelCheck   = 4096
)

// Manifest is the optional "<name>.json" document describing a dataset.
type Manifest struct {
	Files  []string      `json:"files"`
	Schema schema.Schema `json:"schema,omitempty"`
}

// Opener locates and indexes datasets. It implements reader.Opener.
type Opener struct {
	cfg    config.IndexConfig
	logger *zap.Logger

	mu       sync.Mutex
	arbiters map[string]*arbiter.Arbiter
}

var _ reader.Opener = (*Opener)(nil)

// NewOpener creates an opener that indexes with cfg.
func NewOpener(cfg config.IndexConfig, logger *zap.Logger) *Opener {
	if cfg.PointsPerNode <= 0 {
		cfg.PointsPerNode = 4096
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 12
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "index")),
		arbiters: make(map[string]*arbiter.Arbiter),
	}
}

// Open searches params.Paths in order and indexes the first match.
func (o *Opener) Open(ctx context.Context, name string, params reader.OpenParams) (reader.Reader, error) {
	if !validName(name) {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "invalid dataset name %q", name)
	}
	arb, err := o.arbiter(params.Arbiter)
	if err != nil {
		return nil, err
	}

	for _, base := range params.Paths {
		m, err := o.findManifest(ctx, arb, base, name)
		if err != nil {
			return nil, err
		}
		if m != nil {
			files := make([]string, len(m.Files))
			for i, f := range m.Files {
				files[i] = resolveFile(base, f)
			}
			return o.build(ctx, arb, name, files, m.Schema)
		}

		for _, ext := range pointExtensions {
			loc := arbiter.Join(base, name+ext)
			ok, err := exists(ctx, arb, loc)
			if err != nil {
				return nil, err
			}
			if ok {
				return o.build(ctx, arb, name, []string{loc}, nil)
			}
		}
	}

	return nil, errors.Newf(errors.ErrorTypeNotFound, "dataset %s not found", name).
		WithDetail("paths", params.Paths)
}

func (o *Opener) arbiter(doc string) (*arbiter.Arbiter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a, ok := o.arbiters[doc]; ok {
		return a, nil
	}
	a, err := arbiter.New(doc, o.logger)
	if err != nil {
		return nil, err
	}
	o.arbiters[doc] = a
	return a, nil
}

func (o *Opener) findManifest(ctx context.Context, arb *arbiter.Arbiter, base, name string) (*Manifest, error) {
	loc := arbiter.Join(base, name+".json")
	data, err := arb.ReadAll(ctx, loc)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid manifest").WithDetail("location", loc)
	}
	if len(m.Files) == 0 {
		return nil, errors.New(errors.ErrorTypeData, "manifest lists no files").WithDetail("location", loc)
	}
	if m.Schema != nil {
		if err := m.Schema.Validate(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid manifest schema").WithDetail("location", loc)
		}
	}
	return &m, nil
}

func exists(ctx context.Context, arb *arbiter.Arbiter, loc string) (bool, error) {
	r, err := arb.OpenRaw(ctx, loc)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return false, nil
		}
		return false, err
	}
	r.Close()
	return true, nil
}

// builder accumulates points from every file of a dataset.
type builder struct {
	ctx    context.Context
	name   string
	schema schema.Schema
	data   []float64
	bounds geometry.Bounds
	files  []sourceFile
	xyz    [3]int
	rows   int
}

func (o *Opener) build(ctx context.Context, arb *arbiter.Arbiter, name string, files []string, pinned schema.Schema) (*Dataset, error) {
	start := time.Now()
	b := &builder{
		ctx:    ctx,
		name:   name,
		schema: pinned,
		bounds: emptyBounds(),
	}

	for origin, loc := range files {
		if err := b.loadFile(arb, uint64(origin), loc, o.logger); err != nil {
			return nil, err
		}
	}
	if b.schema == nil {
		return nil, errors.New(errors.ErrorTypeData, "dataset has no points").WithDetail("dataset", name)
	}

	d := &Dataset{
		name:   name,
		schema: b.schema,
		stride: len(b.schema),
		data:   b.data,
		bounds: b.bounds,
		files:  b.files,
		xyz:    b.xyz,
	}
	if d.NumPoints() == 0 {
		d.bounds = geometry.NewBounds(geometry.Point{}, geometry.Point{}, true)
	}

	d.tree = newOctree(d.bounds, o.cfg.PointsPerNode, o.cfg.MaxDepth)
	for id := uint64(0); id < d.NumPoints(); id++ {
		if id%cancelCheck == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeCanceled, "indexing canceled")
			}
		}
		d.tree.insert(id, d.position(id))
	}

	o.logger.Info("dataset indexed",
		zap.String("dataset", name),
		zap.Uint64("points", d.NumPoints()),
		zap.Int("files", len(files)),
		zap.Int("depth", d.tree.depth),
		zap.Int("nodes", d.tree.nodes),
		zap.Duration("elapsed", time.Since(start)))
	return d, nil
}

func (b *builder) loadFile(arb *arbiter.Arbiter, origin uint64, loc string, logger *zap.Logger) error {
	r, err := arb.Open(b.ctx, loc)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			// A manifest naming a missing file is a broken dataset, not a missing one.
			return errors.Wrap(err, errors.ErrorTypeData, "dataset file missing").WithDetail("location", loc)
		}
		return err
	}
	defer r.Close()

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to read header").WithDetail("location", loc)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	// Buffer rows only while the schema is still unknown.
	var pending [][]string
	if b.schema == nil {
		for len(pending) < inferenceRows {
			rec, err := cr.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeData, "malformed row").WithDetail("location", loc)
			}
			pending = append(pending, rec)
		}
		s, err := schema.NewTypeInferenceEngine(logger).InferSchema(header, pending)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to infer schema").WithDetail("location", loc)
		}
		b.schema = s
		b.xyz = [3]int{s.Index("X"), s.Index("Y"), s.Index("Z")}
	} else if (b.xyz == [3]int{}) {
		b.xyz = [3]int{b.schema.Index("X"), b.schema.Index("Y"), b.schema.Index("Z")}
		for _, i := range b.xyz {
			if i < 0 {
				return errors.New(errors.ErrorTypeData, "schema lacks X, Y or Z").WithDetail("dataset", b.name)
			}
		}
	}

	// columns[i] is the header column holding schema dimension i.
	columns := make([]int, len(b.schema))
	for i, d := range b.schema {
		columns[i] = -1
		for j, h := range header {
			if h == d.Name {
				columns[i] = j
				break
			}
		}
		if columns[i] < 0 {
			return errors.Newf(errors.ErrorTypeData, "file lacks dimension %s", d.Name).WithDetail("location", loc)
		}
	}

	file := sourceFile{info: reader.FileInfo{Origin: origin, Path: loc}}
	fileBounds := emptyBounds()

	add := func(rec []string, line int) error {
		b.rows++
		if b.rows%cancelCheck == 0 {
			if err := b.ctx.Err(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeCanceled, "indexing canceled")
			}
		}
		for _, col := range columns {
			if col >= len(rec) {
				return errors.Newf(errors.ErrorTypeData, "row %d is short", line).WithDetail("location", loc)
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[col]), 64)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeData, "invalid value").
					WithDetail("location", loc).
					WithDetail("row", line)
			}
			b.data = append(b.data, v)
		}
		off := len(b.data) - len(b.schema)
		p := geometry.Point{X: b.data[off+b.xyz[0]], Y: b.data[off+b.xyz[1]], Z: b.data[off+b.xyz[2]]}
		b.bounds = b.bounds.Grow(p)
		fileBounds = fileBounds.Grow(p)
		file.info.NumPoints++
		return nil
	}

	line := 1
	for _, rec := range pending {
		line++
		if err := add(rec, line); err != nil {
			return err
		}
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "malformed row").WithDetail("location", loc)
		}
		if err := add(rec, line); err != nil {
			return err
		}
	}

	if file.info.NumPoints > 0 {
		file.info.Bounds = fileBounds.Array()
	}
	b.files = append(b.files, file)
	return nil
}

func emptyBounds() geometry.Bounds {
	inf := math.Inf(1)
	return geometry.Bounds{
		Min:  geometry.Point{X: inf, Y: inf, Z: inf},
		Max:  geometry.Point{X: -inf, Y: -inf, Z: -inf},
		Is3D: true,
	}
}

func resolveFile(base, file string) string {
	if strings.Contains(file, "://") || path.IsAbs(file) {
		return file
	}
	return arbiter.Join(base, file)
}

func validName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "://") {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
