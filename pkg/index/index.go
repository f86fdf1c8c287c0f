// Package index is the reference dataset reader: it loads delimited point
// files from any arbiter location and indexes them in memory as an octree.
//
// A dataset named "scan-001" is found by searching each source path, in
// order, for either a manifest "scan-001.json" or a single point file
// "scan-001.csv" (optionally compressed, e.g. "scan-001.csv.zst"). A
// manifest lists one or more point files and may pin the native schema:
//
//	{"files": ["tiles/a.csv", "tiles/b.csv.gz"],
//	 "schema": [{"name":"X","type":"floating","size":8}, ...]}
//
// Point files have a header row naming their dimensions; X, Y and Z are
// required. Without a pinned schema the dimension types are inferred from
// the data.
package index

import (
	"context"
	"sync"

	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/filter"
	"github.com/ajitpratap0/pointstream/pkg/geometry"
	"github.com/ajitpratap0/pointstream/pkg/query"
	"github.com/ajitpratap0/pointstream/pkg/reader"
	"github.com/ajitpratap0/pointstream/pkg/schema"
)

type sourceFile struct {
	info reader.FileInfo
}

// Dataset is an opened, fully indexed dataset. It is read-only after
// construction and safe for concurrent use.
type Dataset struct {
	name   string
	schema schema.Schema
	stride int
	data   []float64
	bounds geometry.Bounds
	files  []sourceFile
	tree   *octree

	xyz [3]int

	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

var _ reader.Reader = (*Dataset)(nil)

// Name implements reader.Reader.
func (d *Dataset) Name() string { return d.name }

// NumPoints implements reader.Reader.
func (d *Dataset) NumPoints() uint64 {
	if d.stride == 0 {
		return 0
	}
	return uint64(len(d.data) / d.stride)
}

// Bounds implements reader.Reader.
func (d *Dataset) Bounds() geometry.Bounds { return d.bounds }

// Schema implements reader.Reader.
func (d *Dataset) Schema() schema.Schema { return d.schema }

// Depth is the number of populated octree levels.
func (d *Dataset) Depth() int { return d.tree.depth }

// Info implements reader.Reader.
func (d *Dataset) Info() (map[string]interface{}, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"name":          d.name,
		"numPoints":     d.NumPoints(),
		"bounds":        d.bounds.Array(),
		"boundsCubic":   d.tree.root.bounds.Array(),
		"schema":        d.schema,
		"numFiles":      len(d.files),
		"depth":         d.tree.depth,
		"nodes":         d.tree.nodes,
		"pointsPerNode": d.tree.pointsPerNode,
	}, nil
}

// ResolveIDs implements reader.Reader.
func (d *Dataset) ResolveIDs(ctx context.Context, q *query.Query) ([]uint64, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	pred, err := filter.Compile(q.Filter, d.resolveDim)
	if err != nil {
		return nil, err
	}
	return d.tree.resolve(ctx, q, pred, d)
}

// Point implements reader.Reader.
func (d *Dataset) Point(id uint64, dst []float64) ([]float64, error) {
	if id >= d.NumPoints() {
		return dst, errors.Newf(errors.ErrorTypeData, "point %d out of range", id).WithDetail("dataset", d.name)
	}
	if err := d.checkOpen(); err != nil {
		return dst, err
	}
	off := int(id) * d.stride
	return append(dst[:0], d.data[off:off+d.stride]...), nil
}

// Summarize implements reader.Reader.
func (d *Dataset) Summarize(ctx context.Context, q *query.Query) (map[string]interface{}, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	pred, err := filter.Compile(q.Filter, d.resolveDim)
	if err != nil {
		return nil, err
	}
	doc, err := d.tree.summarize(ctx, d.tree.root, q, pred, d)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	return doc, nil
}

// Files implements reader.Reader.
func (d *Dataset) Files(search reader.FileSearch) ([]reader.FileInfo, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]reader.FileInfo, 0, len(d.files))
	for _, f := range d.files {
		if search.Origin != nil && f.info.Origin != *search.Origin {
			continue
		}
		if search.Path != "" && f.info.Path != search.Path {
			continue
		}
		if search.Bounds != nil {
			if len(f.info.Bounds) != 6 {
				continue
			}
			fb, err := geometry.ParseBounds(f.info.Bounds)
			if err != nil || !search.Bounds.Overlaps(fb) {
				continue
			}
		}
		out = append(out, f.info)
	}
	return out, nil
}

// SizeBytes implements reader.Sizer.
func (d *Dataset) SizeBytes() int64 {
	const nodeOverhead = 128
	return int64(len(d.data))*8 + int64(d.NumPoints())*8 + int64(d.tree.nodes)*nodeOverhead
}

// Close marks the dataset closed. Later queries fail with a state error.
func (d *Dataset) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
	})
	return nil
}

func (d *Dataset) checkOpen() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.New(errors.ErrorTypeState, "dataset reader is closed").WithDetail("dataset", d.name)
	}
	return nil
}

func (d *Dataset) resolveDim(name string) (int, bool) {
	i := d.schema.Index(name)
	return i, i >= 0
}

func (d *Dataset) position(id uint64) geometry.Point {
	off := int(id) * d.stride
	return geometry.Point{X: d.data[off+d.xyz[0]], Y: d.data[off+d.xyz[1]], Z: d.data[off+d.xyz[2]]}
}

func (d *Dataset) values(id uint64) []float64 {
	off := int(id) * d.stride
	return d.data[off : off+d.stride]
}
