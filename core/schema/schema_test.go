// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package schema_test

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/relabs-tech/slopewatch/core/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	refUUID = `{ "$id" : "https://slopewatch/refs/uuid.json",
		"type" : "string",
		"pattern" : "^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$" }`

	topLevel = `
	{ "$id" : "https://slopewatch/thing.json",
	  "type" : "object",
	  "required" : ["name"],
	  "properties" : {
		"name" : { "type" : "string", "minLength" : 1, "maxLength" : 5 },
		"id" : { "$ref" : "https://slopewatch/refs/uuid.json" }
	  }
	}`
)

func TestValidateString(t *testing.T) {
	v, err := schema.NewValidator([]string{topLevel}, []string{refUUID})
	require.NoError(t, err)
	schemaID := "https://slopewatch/thing.json"
	assert.True(t, v.HasSchema(schemaID))

	assert.NoError(t, v.ValidateString(`{"name":"short"}`, schemaID))
	assert.NoError(t, v.ValidateString(`{"name":"a","id":"3f1e2d4c-1111-2222-3333-444455556666"}`, schemaID))

	err = v.ValidateString(`{"name":"much too long"}`, schemaID)
	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Issues, 1)

	assert.Error(t, v.ValidateString(`{"name":"a","id":"nope"}`, schemaID))
	assert.Error(t, v.ValidateString(`{}`, schemaID))
	assert.Error(t, v.ValidateString(`not json`, schemaID))
	assert.Error(t, v.ValidateString(`{"name":"a"}`, "https://slopewatch/unknown.json"))
}

func TestNewValidatorFromFS(t *testing.T) {
	fsys := fstest.MapFS{
		"schemas/thing.json":     {Data: []byte(topLevel)},
		"schemas/refs/uuid.json": {Data: []byte(refUUID)},
		"schemas/README.md":      {Data: []byte("ignored")},
	}
	v, err := schema.NewValidatorFromFS(fsys, "schemas")
	require.NoError(t, err)
	assert.NoError(t, v.ValidateBytes([]byte(`{"name":"x"}`), "https://slopewatch/thing.json"))

	_, err = schema.NewValidatorFromFS(fsys, "missing")
	assert.Error(t, err)
}

func TestSchemaWithoutID(t *testing.T) {
	_, err := schema.NewValidator([]string{`{"type":"object"}`}, nil)
	assert.Error(t, err)
}
