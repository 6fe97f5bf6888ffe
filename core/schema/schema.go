// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

// Validator is a utility to validate JSON documents against a given schema
type Validator struct {
	schemaValidators map[string]*gojsonschema.Schema
}

// ValidationError lists the issues found in a document which does not match its schema
type ValidationError struct {
	SchemaID string
	Issues   []string
}

func (e *ValidationError) Error() string {
	return "the document is not valid: " + strings.Join(e.Issues, "; ")
}

// NewValidatorFromFS creates a new Validator using schemas from dir in fsys. Json files
// from dir will be used as toplevel schemas, while json files in dir/refs, if present, will be used
// as references
func NewValidatorFromFS(fsys fs.FS, dir string) (*Validator, error) {

	readDir := func(dir string, optional bool) ([]string, error) {
		var strs []string
		files, err := fs.ReadDir(fsys, dir)
		if err != nil {
			if optional && errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("cannot read dir %w", err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			str, err := fs.ReadFile(fsys, path.Join(dir, f.Name()))
			if err != nil {
				return nil, fmt.Errorf("cannot read file '%s' %w", f.Name(), err)
			}
			strs = append(strs, string(str))
		}
		return strs, nil
	}

	schemasString, err := readDir(dir, false)
	if err != nil {
		return nil, err
	}

	refsString, err := readDir(path.Join(dir, "refs"), true)
	if err != nil {
		return nil, err
	}

	return NewValidator(schemasString, refsString)
}

// MustNewValidatorFromFS is NewValidatorFromFS for embedded schemas, it panics on error
func MustNewValidatorFromFS(fsys fs.FS, dir string) *Validator {
	v, err := NewValidatorFromFS(fsys, dir)
	if err != nil {
		panic(err)
	}
	return v
}

// NewValidator creates a new Validator using schemas for the top level JSON schemas and refs
// for refs that may be referenced in the top level schemas. Top level schemas cannot reference each
// others. If a reference is mentioned, it can only be in the list of refs
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	type schema struct {
		ID string `json:"$id"`
	}
	validator := Validator{schemaValidators: make(map[string]*gojsonschema.Schema)}
	for _, str := range schemas {
		s := schema{}
		err := json.Unmarshal([]byte(str), &s)
		if err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, str)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("schema does not contain $id: '%s'", str)
		}
		sl := gojsonschema.NewSchemaLoader()

		for _, ref := range refs {
			if err := sl.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add ref %s %s", ref, err)
			}
		}
		compiled, err := sl.Compile(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s %s", s.ID, err)
		}
		validator.schemaValidators[s.ID] = compiled
	}

	return &validator, nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemaValidators[schemaID]
	return ok
}

// ValidateBytes validates the raw json document against schemaID. A document which does not
// match the schema yields a *ValidationError.
func (v *Validator) ValidateBytes(data []byte, schemaID string) error {
	return v.validate(gojsonschema.NewBytesLoader(data), schemaID)
}

// ValidateString validates the given json against schemaID.
func (v *Validator) ValidateString(json, schemaID string) error {
	return v.validate(gojsonschema.NewStringLoader(json), schemaID)
}

func (v *Validator) validate(loader gojsonschema.JSONLoader, schemaID string) error {

	schema, ok := v.schemaValidators[schemaID]
	if !ok {
		return fmt.Errorf("there is no schema %s ", schemaID)
	}

	result, err := schema.Validate(loader)
	if err != nil {
		// not even json
		return &ValidationError{SchemaID: schemaID, Issues: []string{err.Error()}}
	}

	if !result.Valid() {
		verr := &ValidationError{SchemaID: schemaID}
		for _, e := range result.Errors() {
			verr.Issues = append(verr.Issues, e.String())
		}
		return verr
	}
	return nil
}
