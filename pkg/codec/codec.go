// Package codec serializes decoded points into a caller's output schema.
//
// Values are packed little-endian, dimension by dimension, in output schema
// order. X, Y and Z are first mapped through the caller's scale and offset:
// out = (native - offset) / scale. Integer dimensions are rounded to the
// nearest value and clamped to the type's range.
//
// When compression is requested, a Codec also frames finished chunks: each
// chunk becomes one independently decodable compressed frame.
package codec

import (
	"encoding/binary"
	"math"

	"github.com/ajitpratap0/pointstream/pkg/compression"
	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/geometry"
	"github.com/ajitpratap0/pointstream/pkg/schema"
)

type axis int

const (
	notSpatial axis = iota
	axisX
	axisY
	axisZ
)

type field struct {
	dim    schema.Dimension
	native int
	axis   axis
}

// Codec packs points for one read. It is immutable after construction and
// safe for concurrent use.
type Codec struct {
	out        schema.Schema
	fields     []field
	pointSize  int
	transform  *geometry.Transform
	compressor compression.Compressor
}

// New builds a codec from the dataset's native schema to out. A nil out
// selects the native schema. Naming a dimension absent from native is a
// validation error. comp may be nil for uncompressed output.
func New(native, out schema.Schema, t *geometry.Transform, comp compression.Compressor) (*Codec, error) {
	if out == nil {
		out = native
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	mapping, err := out.Mapping(native)
	if err != nil {
		return nil, err
	}

	c := &Codec{
		out:        out,
		fields:     make([]field, len(out)),
		pointSize:  out.PointSize(),
		transform:  t,
		compressor: comp,
	}
	for i, d := range out {
		f := field{dim: d, native: mapping[i]}
		switch d.Name {
		case "X":
			f.axis = axisX
		case "Y":
			f.axis = axisY
		case "Z":
			f.axis = axisZ
		}
		c.fields[i] = f
	}
	return c, nil
}

// Schema returns the output schema actually used.
func (c *Codec) Schema() schema.Schema { return c.out }

// PointSize is the uncompressed size of one packed point.
func (c *Codec) PointSize() int { return c.pointSize }

// Compressed reports whether chunks are framed with a compressor.
func (c *Codec) Compressed() bool { return c.compressor != nil }

// Append packs one point, given as values in native schema order, onto dst.
func (c *Codec) Append(dst []byte, values []float64) []byte {
	for _, f := range c.fields {
		v := values[f.native]
		if c.transform != nil {
			switch f.axis {
			case axisX:
				v = (v - c.transform.Offset.X) / c.transform.Scale.X
			case axisY:
				v = (v - c.transform.Offset.Y) / c.transform.Scale.Y
			case axisZ:
				v = (v - c.transform.Offset.Z) / c.transform.Scale.Z
			}
		}
		dst = appendValue(dst, f.dim, v)
	}
	return dst
}

// Frame appends the finished chunk raw to dst, compressed as a single frame
// when the codec has a compressor.
func (c *Codec) Frame(dst, raw []byte) ([]byte, error) {
	if c.compressor == nil {
		return append(dst, raw...), nil
	}
	return c.compressor.AppendCompress(dst, raw)
}

// Unframe reverses Frame for one chunk.
func (c *Codec) Unframe(frame []byte) ([]byte, error) {
	if c.compressor == nil {
		return frame, nil
	}
	return c.compressor.Decompress(frame)
}

// Decode unpacks an uncompressed chunk into per-point values in output
// schema order. The values are in the caller's scaled space.
func (c *Codec) Decode(raw []byte) ([][]float64, error) {
	if c.pointSize == 0 || len(raw)%c.pointSize != 0 {
		return nil, errors.Newf(errors.ErrorTypeData, "chunk of %d bytes is not a whole number of %d-byte points", len(raw), c.pointSize)
	}
	n := len(raw) / c.pointSize
	points := make([][]float64, 0, n)
	for off := 0; off < len(raw); {
		values := make([]float64, len(c.fields))
		for i, f := range c.fields {
			values[i] = readValue(raw[off:], f.dim)
			off += f.dim.Size
		}
		points = append(points, values)
	}
	return points, nil
}

func appendValue(dst []byte, d schema.Dimension, v float64) []byte {
	switch d.Type {
	case schema.Floating:
		if d.Size == 4 {
			return binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(v)))
		}
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
	case schema.Signed:
		i := clampSigned(v, d.Size)
		switch d.Size {
		case 1:
			return append(dst, byte(int8(i)))
		case 2:
			return binary.LittleEndian.AppendUint16(dst, uint16(int16(i)))
		case 4:
			return binary.LittleEndian.AppendUint32(dst, uint32(int32(i)))
		default:
			return binary.LittleEndian.AppendUint64(dst, uint64(i))
		}
	default:
		u := clampUnsigned(v, d.Size)
		switch d.Size {
		case 1:
			return append(dst, byte(u))
		case 2:
			return binary.LittleEndian.AppendUint16(dst, uint16(u))
		case 4:
			return binary.LittleEndian.AppendUint32(dst, uint32(u))
		default:
			return binary.LittleEndian.AppendUint64(dst, u)
		}
	}
}

func readValue(b []byte, d schema.Dimension) float64 {
	switch d.Type {
	case schema.Floating:
		if d.Size == 4 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case schema.Signed:
		switch d.Size {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(binary.LittleEndian.Uint16(b)))
		case 4:
			return float64(int32(binary.LittleEndian.Uint32(b)))
		default:
			return float64(int64(binary.LittleEndian.Uint64(b)))
		}
	default:
		switch d.Size {
		case 1:
			return float64(b[0])
		case 2:
			return float64(binary.LittleEndian.Uint16(b))
		case 4:
			return float64(binary.LittleEndian.Uint32(b))
		default:
			return float64(binary.LittleEndian.Uint64(b))
		}
	}
}

func clampSigned(v float64, size int) int64 {
	if math.IsNaN(v) {
		return 0
	}
	bits := uint(size * 8)
	lo := -math.Ldexp(1, int(bits-1))
	hi := math.Ldexp(1, int(bits-1)) - 1
	r := math.Round(v)
	switch {
	case r <= lo:
		return int64(lo)
	case r >= hi:
		if size == 8 {
			return math.MaxInt64
		}
		return int64(hi)
	default:
		return int64(r)
	}
}

func clampUnsigned(v float64, size int) uint64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	r := math.Round(v)
	hi := math.Ldexp(1, size*8) - 1
	if r >= hi {
		if size == 8 {
			return math.MaxUint64
		}
		return uint64(hi)
	}
	return uint64(r)
}
