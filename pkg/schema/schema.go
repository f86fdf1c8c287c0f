// Package schema describes point layouts: the native dimensions a dataset
// stores and the output dimensions a read serializes.
//
// A schema is a JSON array of dimensions:
//
//	[{"name":"X","type":"floating","size":8},
//	 {"name":"Classification","type":"unsigned","size":1}]
package schema

import (
	"strings"

	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/json"
)

// Type is the numeric kind of a dimension.
type Type string

const (
	// Floating is an IEEE-754 float of size 4 or 8
	Floating Type = "floating"
	// Signed is a two's complement integer of size 1, 2, 4 or 8
	Signed Type = "signed"
	// Unsigned is an unsigned integer of size 1, 2, 4 or 8
	Unsigned Type = "unsigned"
)

// Dimension is one named attribute of a point.
type Dimension struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
	Size int    `json:"size"`
}

// Validate checks the type/size combination.
func (d Dimension) Validate() error {
	if d.Name == "" {
		return errors.New(errors.ErrorTypeValidation, "dimension name is required")
	}
	switch d.Type {
	case Floating:
		if d.Size != 4 && d.Size != 8 {
			return errors.Newf(errors.ErrorTypeValidation, "dimension %s: floating size must be 4 or 8, got %d", d.Name, d.Size)
		}
	case Signed, Unsigned:
		switch d.Size {
		case 1, 2, 4, 8:
		default:
			return errors.Newf(errors.ErrorTypeValidation, "dimension %s: integer size must be 1, 2, 4 or 8, got %d", d.Name, d.Size)
		}
	default:
		return errors.Newf(errors.ErrorTypeValidation, "dimension %s: unknown type %q", d.Name, d.Type)
	}
	return nil
}

// Schema is an ordered list of dimensions.
type Schema []Dimension

// Parse decodes and validates a schema document. An empty string yields a
// nil schema, meaning "use the native schema".
func Parse(raw string) (Schema, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var s Schema
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid schema")
	}
	if len(s) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "schema has no dimensions")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks every dimension and rejects duplicate names.
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s))
	for _, d := range s {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, ok := seen[d.Name]; ok {
			return errors.Newf(errors.ErrorTypeValidation, "duplicate dimension %s", d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}

// PointSize is the packed byte size of one point.
func (s Schema) PointSize() int {
	n := 0
	for _, d := range s {
		n += d.Size
	}
	return n
}

// Index returns the position of the named dimension, or -1.
func (s Schema) Index(name string) int {
	for i, d := range s {
		if d.Name == name {
			return i
		}
	}
	return -1
}

// Find returns the named dimension.
func (s Schema) Find(name string) (Dimension, bool) {
	if i := s.Index(name); i >= 0 {
		return s[i], true
	}
	return Dimension{}, false
}

// Names lists the dimension names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, d := range s {
		names[i] = d.Name
	}
	return names
}

// Mapping returns, for each dimension of s, the index of the same-named
// dimension in native. Any name missing from native is a validation error,
// which callers surface as a bad request.
func (s Schema) Mapping(native Schema) ([]int, error) {
	m := make([]int, len(s))
	for i, d := range s {
		j := native.Index(d.Name)
		if j < 0 {
			return nil, errors.Newf(errors.ErrorTypeValidation, "unknown dimension %s", d.Name).
				WithDetail("dimension", d.Name)
		}
		m[i] = j
	}
	return m, nil
}

// String renders the schema document.
func (s Schema) String() string {
	b, err := json.Marshal(s)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// IsSpatial reports whether name is one of the coordinate dimensions that
// scale and offset apply to.
func IsSpatial(name string) bool {
	return name == "X" || name == "Y" || name == "Z"
}
