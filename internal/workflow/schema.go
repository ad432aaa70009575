package workflow

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed definition.schema.json
var definitionSchema string

var compiledSchema = jsonschema.MustCompileString("definition.schema.json", definitionSchema)

// ValidateRaw checks a raw definition document against the JSON schema
// before it is decoded. Schema failures are permanent input errors and
// never reach run time.
func ValidateRaw(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("definition is not valid json: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("definition schema validation failed: %w", err)
	}
	return nil
}
