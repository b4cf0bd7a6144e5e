package provision

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidInput is returned when a project or collection definition is
// rejected before any storage mutation.
var ErrInvalidInput = errors.New("provision: invalid input")

// ErrDuplicateProject is returned when the owner already has a project
// with the requested name.
var ErrDuplicateProject = errors.New("provision: project already exists")

// FieldType enumerates the declarable field types. Unknown types map to
// TEXT columns rather than failing.
type FieldType string

const (
	TypeText    FieldType = "text"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeImage   FieldType = "image"
	TypeURL     FieldType = "url"
)

// Field is one declared attribute of a collection.
type Field struct {
	Name         string    `json:"name"`
	Type         FieldType `json:"type"`
	Required     bool      `json:"required,omitempty"`
	DefaultValue string    `json:"default_value,omitempty"`
}

// Collection declares one table of a project: an ordered field list and
// the field serving as the row key.
type Collection struct {
	Name         string  `json:"name"`
	Fields       []Field `json:"fields"`
	PrimaryField string  `json:"primary_field"`
}

// Descriptors summarize the primary collection of a freshly created
// project: the field names in declaration order and a name-to-type map.
// They are returned to the caller that defined the project so a client
// can label extracted data without re-reading the catalog.
type Descriptors struct {
	DataLabels        []string          `json:"dataLabels"`
	FieldDescriptions map[string]string `json:"fieldDescriptions"`
}

// DescribeCollections builds the Descriptors for a project definition.
// The first collection is the primary one.
func DescribeCollections(collections []Collection) *Descriptors {
	d := &Descriptors{FieldDescriptions: make(map[string]string)}
	if len(collections) == 0 {
		return d
	}
	for _, f := range collections[0].Fields {
		d.DataLabels = append(d.DataLabels, f.Name)
		d.FieldDescriptions[f.Name] = string(f.Type)
	}
	return d
}

// Validate checks a project definition before any side effect.
func Validate(name string, collections []Collection) error {
	if name == "" {
		return fmt.Errorf("%w: project name must be a non-empty string", ErrInvalidInput)
	}
	if len(collections) == 0 {
		return fmt.Errorf("%w: at least one collection is required", ErrInvalidInput)
	}
	seen := make(map[string]bool, len(collections))
	for _, col := range collections {
		if err := col.validate(); err != nil {
			return err
		}
		if seen[col.Name] {
			return fmt.Errorf("%w: duplicate collection name %q", ErrInvalidInput, col.Name)
		}
		seen[col.Name] = true
	}
	return nil
}

func (c Collection) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: collection name must be a non-empty string", ErrInvalidInput)
	}
	if len(c.Fields) == 0 {
		return fmt.Errorf("%w: collection %q has no fields", ErrInvalidInput, c.Name)
	}
	names := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: collection %q has a field without a name", ErrInvalidInput, c.Name)
		}
		if names[f.Name] {
			return fmt.Errorf("%w: collection %q repeats field %q", ErrInvalidInput, c.Name, f.Name)
		}
		names[f.Name] = true
	}
	if c.PrimaryField == "" {
		return fmt.Errorf("%w: collection %q needs a primary field", ErrInvalidInput, c.Name)
	}
	if !names[c.PrimaryField] {
		return fmt.Errorf("%w: collection %q primary field %q is not declared", ErrInvalidInput, c.Name, c.PrimaryField)
	}
	return nil
}

// EncodeCollections serialises collections for catalog storage.
func EncodeCollections(collections []Collection) (string, error) {
	b, err := json.Marshal(collections)
	if err != nil {
		return "", fmt.Errorf("provision: encode collections: %w", err)
	}
	return string(b), nil
}

// DecodeCollections parses the catalog representation back.
func DecodeCollections(raw string) ([]Collection, error) {
	var out []Collection
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("provision: decode collections: %w", err)
	}
	return out, nil
}
