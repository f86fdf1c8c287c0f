// Package reader defines the dataset capability the engine consumes.
//
// A Reader is an opened, read-only view of one dataset's spatial index.
// Readers are expensive to construct and are shared: the dataset cache owns
// them and hands out counted handles. Every method must be safe for
// concurrent use once Open has returned.
package reader

import (
	"context"
	"io"

	"github.com/ajitpratap0/pointstream/pkg/geometry"
	"github.com/ajitpratap0/pointstream/pkg/query"
	"github.com/ajitpratap0/pointstream/pkg/schema"
)

// Reader is query and decode access to one dataset.
type Reader interface {
	// Name is the dataset name the reader was opened for.
	Name() string
	// NumPoints is the total point count.
	NumPoints() uint64
	// Bounds is the native bounding volume.
	Bounds() geometry.Bounds
	// Schema is the native point layout.
	Schema() schema.Schema

	// Info returns the metadata document for the dataset.
	Info() (map[string]interface{}, error)

	// ResolveIDs returns the ids of every point matching q, in traversal
	// order. q is in native coordinates.
	ResolveIDs(ctx context.Context, q *query.Query) ([]uint64, error)

	// Point decodes one point into dst (grown as needed), in native schema
	// order.
	Point(id uint64, dst []float64) ([]float64, error)

	// Summarize returns the per-node point counts intersecting q as a
	// nested document. An empty region yields an empty document.
	Summarize(ctx context.Context, q *query.Query) (map[string]interface{}, error)

	// Files describes the source files matching search. See FileSearch.
	Files(search FileSearch) ([]FileInfo, error)
}

// Sizer is implemented by readers that can estimate their resident size,
// used for the cache byte budget.
type Sizer interface {
	SizeBytes() int64
}

// OpenParams are the construction parameters of a dataset cache. Every
// reader in one process is opened with the same params.
type OpenParams struct {
	Paths   []string
	Arbiter string
}

// Equal reports whether two param sets are identical.
func (p OpenParams) Equal(o OpenParams) bool {
	if p.Arbiter != o.Arbiter || len(p.Paths) != len(o.Paths) {
		return false
	}
	for i := range p.Paths {
		if p.Paths[i] != o.Paths[i] {
			return false
		}
	}
	return true
}

// Opener constructs readers. It returns an error of type not_found when no
// source location holds the dataset.
type Opener interface {
	Open(ctx context.Context, name string, params OpenParams) (Reader, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, name string, params OpenParams) (Reader, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, name string, params OpenParams) (Reader, error) {
	return f(ctx, name, params)
}

// Close closes r if it holds resources.
func Close(r Reader) error {
	if c, ok := r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// FileSearch selects source files. The zero value matches every file.
type FileSearch struct {
	// Origin selects one file by its index.
	Origin *uint64
	// Path selects one file by its path.
	Path string
	// Bounds selects files overlapping a native region.
	Bounds *geometry.Bounds
}

// FileInfo describes one source file of a dataset.
type FileInfo struct {
	Origin    uint64    `json:"origin"`
	Path      string    `json:"path"`
	NumPoints uint64    `json:"points"`
	Bounds    []float64 `json:"bounds,omitempty"`
}
