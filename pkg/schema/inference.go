package schema

import (
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/pointstream/pkg/errors"
)

// TypeInferenceEngine derives a native schema from textual samples, as found
// in delimited point files that carry no type information.
type TypeInferenceEngine struct {
	logger *zap.Logger

	// sampleSize caps how many values per column are examined
	sampleSize int
}

// InferredType is the inference result for one column.
type InferredType struct {
	Kind         Type          `json:"kind"`
	Size         int           `json:"size"`
	NumericStats *NumericStats `json:"numeric_stats,omitempty"`
}

// NumericStats holds statistics for a sampled column.
type NumericStats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Samples int     `json:"samples"`
}

// NewTypeInferenceEngine creates a new type inference engine.
func NewTypeInferenceEngine(logger *zap.Logger) *TypeInferenceEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TypeInferenceEngine{
		logger:     logger,
		sampleSize: 1000,
	}
}

// InferSchema builds a schema from a header row and sample rows. Coordinate
// columns are always 8-byte floats; integer columns get the narrowest size
// that holds every sampled value.
func (e *TypeInferenceEngine) InferSchema(header []string, rows [][]string) (Schema, error) {
	if len(header) == 0 {
		return nil, errors.New(errors.ErrorTypeData, "no columns to infer a schema from")
	}

	s := make(Schema, 0, len(header))
	for col, raw := range header {
		name := strings.TrimSpace(raw)
		if IsSpatial(name) {
			s = append(s, Dimension{Name: name, Type: Floating, Size: 8})
			continue
		}

		values := make([]string, 0, min(len(rows), e.sampleSize))
		for _, row := range rows {
			if len(values) == e.sampleSize {
				break
			}
			if col < len(row) {
				values = append(values, row[col])
			}
		}

		inferred, err := e.InferType(name, values)
		if err != nil {
			return nil, err
		}
		s = append(s, Dimension{Name: name, Type: inferred.Kind, Size: inferred.Size})
	}

	for _, axis := range []string{"X", "Y", "Z"} {
		if s.Index(axis) < 0 {
			return nil, errors.Newf(errors.ErrorTypeData, "missing coordinate column %s", axis)
		}
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "inferred schema is invalid")
	}

	e.logger.Debug("schema inferred",
		zap.Int("dimensions", len(s)),
		zap.Int("point_size", s.PointSize()))
	return s, nil
}

// InferType infers the dimension type of a column from its sampled values.
// Any non-numeric value is a data error.
func (e *TypeInferenceEngine) InferType(name string, values []string) (*InferredType, error) {
	stats := &NumericStats{Min: math.Inf(1), Max: math.Inf(-1)}
	integral := true

	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			integral = false
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "non-numeric value").
				WithDetail("column", name).
				WithDetail("value", v)
		}
		stats.Min = math.Min(stats.Min, f)
		stats.Max = math.Max(stats.Max, f)
		stats.Samples++
	}

	if stats.Samples == 0 || !integral {
		return &InferredType{Kind: Floating, Size: 8, NumericStats: stats}, nil
	}

	if stats.Min >= 0 {
		return &InferredType{Kind: Unsigned, Size: unsignedSize(stats.Max), NumericStats: stats}, nil
	}
	return &InferredType{Kind: Signed, Size: signedSize(stats.Min, stats.Max), NumericStats: stats}, nil
}

func unsignedSize(max float64) int {
	switch {
	case max <= math.MaxUint8:
		return 1
	case max <= math.MaxUint16:
		return 2
	case max <= math.MaxUint32:
		return 4
	default:
		return 8
	}
}

func signedSize(min, max float64) int {
	switch {
	case min >= math.MinInt8 && max <= math.MaxInt8:
		return 1
	case min >= math.MinInt16 && max <= math.MaxInt16:
		return 2
	case min >= math.MinInt32 && max <= math.MaxInt32:
		return 4
	default:
		return 8
	}
}
