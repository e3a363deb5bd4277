// Package schema validates documents against externally supplied JSON
// schemas.
//
// Validation is deterministic and side-effect free, so a loaded Schema
// can be shared and called concurrently.
package schema

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/xeipuuv/gojsonschema"

	"github.com/cgl-dcc/halyard/pkg/utils"
)

// ErrSchemaLoad is returned when a schema document itself cannot be
// loaded or compiled. This is a configuration problem, fatal to a run.
var ErrSchemaLoad = errors.New("cannot load schema")

// Kind selects which schema a document is validated against.
type Kind string

const (
	// KindInputRecord validates one parsed sample-sheet row.
	KindInputRecord Kind = "input-record"

	// KindOutputMetadata validates a generated per-bundle metadata document.
	KindOutputMetadata Kind = "output-metadata"
)

// Violation is one field-level validation failure.
type Violation struct {
	// Field is the path of the violating property, as reported by the
	// schema engine (e.g. "specimen.0.samples").
	Field string

	// Reason is a human-readable description of the failure.
	Reason string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Reason)
}

// Schema is a compiled JSON schema.
type Schema struct {
	path string
	s    *gojsonschema.Schema
}

// Load compiles the schema document at path.
func Load(path string) (*Schema, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrSchemaLoad, path, err)
	}
	s, err := gojsonschema.NewSchema(
		gojsonschema.NewReferenceLoader("file://" + abs),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrSchemaLoad, path, err)
	}
	return &Schema{path: path, s: s}, nil
}

// Validate checks doc against the schema.
//
// The returned slice is empty iff doc is valid. Violations come sorted
// by field path, so repeated calls on the same document agree.
// Validate never fails for a malformed-but-well-typed document; such a
// document is simply invalid.
func (sc *Schema) Validate(doc any) []Violation {
	result, err := sc.s.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		// not JSON-shaped at all. report as a document-level violation.
		return []Violation{{Field: "(document)", Reason: err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	violations := utils.Map(
		result.Errors(),
		func(re gojsonschema.ResultError) Violation {
			return Violation{Field: re.Field(), Reason: re.Description()}
		},
	)
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Field != violations[j].Field {
			return violations[i].Field < violations[j].Field
		}
		return violations[i].Reason < violations[j].Reason
	})
	return violations
}

// Catalog holds the schemas a submission run needs, by Kind.
type Catalog struct {
	byKind map[Kind]*Schema
}

// LoadCatalog loads the input-record and output-metadata schemas.
func LoadCatalog(inputRecordPath, outputMetadataPath string) (*Catalog, error) {
	input, err := Load(inputRecordPath)
	if err != nil {
		return nil, err
	}
	output, err := Load(outputMetadataPath)
	if err != nil {
		return nil, err
	}
	return &Catalog{
		byKind: map[Kind]*Schema{
			KindInputRecord:    input,
			KindOutputMetadata: output,
		},
	}, nil
}

// Validate checks doc against the schema selected by kind.
func (c *Catalog) Validate(doc any, kind Kind) []Violation {
	sc, ok := c.byKind[kind]
	if !ok {
		return []Violation{{
			Field:  "(document)",
			Reason: fmt.Sprintf("no schema is loaded for kind %q", kind),
		}}
	}
	return sc.Validate(doc)
}
