package config

import (
	"embed"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/vidforge.v1.schema.json
var schemaFS embed.FS

const schemaFile = "schemas/vidforge.v1.schema.json"

// SchemaError is one schema violation.
type SchemaError struct {
	Field       string
	Type        string
	Description string
}

func (e SchemaError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Description)
}

// Schema returns the embedded JSON schema of vidforge.yaml.
func Schema() ([]byte, error) {
	return schemaFS.ReadFile(schemaFile)
}

// ValidateSchema checks a raw descriptor against the embedded JSON schema.
// It returns the violations; err is only set when validation could not run.
func ValidateSchema(data []byte) ([]SchemaError, error) {
	schemaBytes, err := Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to load JSON schema: %w", err)
	}

	var document any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if document == nil {
		document = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaBytes),
		gojsonschema.NewGoLoader(document),
	)
	if err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	violations := make([]SchemaError, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, SchemaError{
			Field:       desc.Field(),
			Type:        desc.Type(),
			Description: desc.Description(),
		})
	}
	return violations, nil
}
