// Package query parses the spatial query document shared by reads,
// hierarchy summaries and file searches.
//
// A query is a JSON object:
//
//	{"bounds": [xmin, ymin, zmin, xmax, ymax, zmax], "depth": 4}
//	{"bounds": [xmin, ymin, xmax, ymax], "depthBegin": 2, "depthEnd": 6}
//
// Every field is optional. Bounds are expressed in the caller's scaled
// space; Resolve maps them back to native coordinates. Depth ranges are
// half-open: depthBegin <= d < depthEnd.
package query

import (
	"strings"

	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/geometry"
	"github.com/ajitpratap0/pointstream/pkg/json"
)

// Query is a parsed spatial query in native coordinates.
type Query struct {
	// Bounds restricts results to a region. Nil means everything.
	Bounds *geometry.Bounds
	// DepthBegin is the first octree depth included.
	DepthBegin int
	// DepthEnd is one past the last depth included; 0 means unbounded.
	DepthEnd int
	// Filter is the raw attribute filter document, if any.
	Filter json.RawMessage
}

type document struct {
	Bounds     []float64       `json:"bounds"`
	Depth      *int            `json:"depth"`
	DepthBegin *int            `json:"depthBegin"`
	DepthEnd   *int            `json:"depthEnd"`
	Filter     json.RawMessage `json:"filter"`
}

// Parse decodes a query document. An empty string is the unrestricted
// query. Any malformed input is a query error.
func Parse(raw string) (*Query, error) {
	q := &Query{}
	if strings.TrimSpace(raw) == "" {
		return q, nil
	}

	var doc document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "invalid query")
	}

	if doc.Bounds != nil {
		b, err := geometry.ParseBounds(doc.Bounds)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "invalid query bounds")
		}
		q.Bounds = &b
	}

	if doc.Depth != nil {
		if doc.DepthBegin != nil || doc.DepthEnd != nil {
			return nil, errors.New(errors.ErrorTypeQuery, "depth cannot be combined with depthBegin/depthEnd")
		}
		if *doc.Depth < 0 {
			return nil, errors.New(errors.ErrorTypeQuery, "depth cannot be negative")
		}
		q.DepthBegin = *doc.Depth
		q.DepthEnd = *doc.Depth + 1
	} else {
		if doc.DepthBegin != nil {
			q.DepthBegin = *doc.DepthBegin
		}
		if doc.DepthEnd != nil {
			q.DepthEnd = *doc.DepthEnd
		}
		if q.DepthBegin < 0 || q.DepthEnd < 0 {
			return nil, errors.New(errors.ErrorTypeQuery, "depth range cannot be negative")
		}
		if q.DepthEnd != 0 && q.DepthEnd <= q.DepthBegin {
			return nil, errors.Newf(errors.ErrorTypeQuery, "empty depth range [%d, %d)", q.DepthBegin, q.DepthEnd)
		}
	}

	if len(doc.Filter) > 0 && string(doc.Filter) != "null" {
		q.Filter = doc.Filter
	}
	return q, nil
}

// Resolve maps the query's bounds from the caller's scaled space back into
// native coordinates. A nil transform leaves the query unchanged.
func (q *Query) Resolve(t *geometry.Transform) *Query {
	if q.Bounds == nil || t == nil {
		return q
	}
	out := *q
	b := t.InvertBounds(*q.Bounds)
	out.Bounds = &b
	return &out
}

// DepthIncluded reports whether depth d falls in the query's range.
func (q *Query) DepthIncluded(d int) bool {
	if d < q.DepthBegin {
		return false
	}
	return q.DepthEnd == 0 || d < q.DepthEnd
}

// DepthExhausted reports whether no depth at or beyond d can match.
func (q *Query) DepthExhausted(d int) bool {
	return q.DepthEnd != 0 && d >= q.DepthEnd
}

// Overlaps reports whether a node's bounds may hold matching points.
func (q *Query) Overlaps(b geometry.Bounds) bool {
	return q.Bounds == nil || q.Bounds.Overlaps(b)
}

// Contains reports whether a point lies in the query region.
func (q *Query) Contains(p geometry.Point) bool {
	return q.Bounds == nil || q.Bounds.Contains(p)
}
