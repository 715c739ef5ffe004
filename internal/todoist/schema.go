package todoist

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// syncPayloadSchema pins the top-level shape of a sync response. Item-level
// validation is deliberately looser: a malformed item is skipped and logged,
// a malformed envelope fails the whole exchange.
const syncPayloadSchema = `{
  "type": "object",
  "properties": {
    "sync_token": {"type": "string", "minLength": 1},
    "full_sync": {"type": "boolean"},
    "items": {"type": "array"}
  },
  "required": ["sync_token"]
}`

// commandPayloadSchema pins the top-level shape of a command response.
const commandPayloadSchema = `{
  "type": "object",
  "properties": {
    "sync_status": {"type": "object"},
    "temp_id_mapping": {"type": "object"}
  },
  "required": ["sync_status"]
}`

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
