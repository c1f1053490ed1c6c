package plan

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var schemaCache sync.Map

type schemaDoc struct {
	Actions map[string]json.RawMessage `json:"actions"`
}

// ValidateCustomPayload checks a custom action payload against the schema
// registered for name. Custom actions without a schema are accepted.
func ValidateCustomPayload(name string, payload json.RawMessage) error {
	actions, err := loadCustomSchemas()
	if err != nil {
		return err
	}
	raw, ok := actions[name]
	if !ok {
		return nil
	}
	var schema any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return err
	}
	var value any = map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &value); err != nil {
			return fmt.Errorf("payload is not JSON: %w", err)
		}
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(value))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	if len(result.Errors()) == 0 {
		return errors.New("schema validation failed")
	}
	return fmt.Errorf("schema validation failed: %s", result.Errors()[0].String())
}

// CustomDestructive reports whether the registered custom action is
// destructive regardless of the flag on the step.
func CustomDestructive(name string) bool {
	_, ok := destructiveCustom[name]
	return ok
}

var destructiveCustom = map[string]struct{}{
	"signal": {},
	"close":  {},
}

func loadCustomSchemas() (map[string]json.RawMessage, error) {
	if val, ok := schemaCache.Load("custom"); ok {
		return val.(map[string]json.RawMessage), nil
	}
	data, err := schemaFS.ReadFile("schemas/custom.json")
	if err != nil {
		return nil, err
	}
	var doc schemaDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Actions) == 0 {
		return nil, errors.New("no custom action schemas")
	}
	schemaCache.Store("custom", doc.Actions)
	return doc.Actions, nil
}
