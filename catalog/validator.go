package catalog

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

type schemaCache struct {
	schema *gojsonschema.Schema
}

// compileSchema prepares the collection's JSON Schema validator, if any.
func (c *Collection) compileSchema() error {
	if len(c.Options.Validator) == 0 {
		c.schema = nil
		return nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(c.Options.Validator))
	if err != nil {
		return storeerr.Wrap(storeerr.CodeInvalidOptions, err, "invalid validator schema")
	}
	c.schema = &schemaCache{schema: schema}
	return nil
}

// ValidateDocument checks doc against the collection's schema.
func (c *Collection) ValidateDocument(doc map[string]interface{}) error {
	if c.schema == nil {
		return nil
	}
	result, err := c.schema.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return storeerr.Wrap(storeerr.CodeDocumentValidationFailure, err, "validation error")
	}
	if result.Valid() {
		return nil
	}
	var msgs []string
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("- %s", desc))
	}
	return storeerr.Newf(storeerr.CodeDocumentValidationFailure,
		"document failed validation for %q:\n%s", c.Name, strings.Join(msgs, "\n"))
}
