package ledger

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaJSON describes ledger.json. Anything that fails it is discarded
// wholesale rather than partially trusted.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schemaVersion"],
  "properties": {
    "schemaVersion": {"const": 1},
    "lastRunAt": {"type": ["string", "null"]},
    "files": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["uploadedAt", "uploadedSizeBytes"],
        "properties": {
          "uploadedAt": {"type": "string"},
          "uploadedSizeBytes": {"type": "integer", "minimum": 0},
          "uploadedLines": {"type": "integer", "minimum": 0},
          "contentDigest": {"type": "string"}
        }
      }
    },
    "skills": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["uploadedAt", "contentDigest", "available"],
        "properties": {
          "uploadedAt": {"type": "string"},
          "contentDigest": {"type": "string"},
          "available": {"type": "boolean"}
        }
      }
    }
  }
}`

var ledgerSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic("ledger schema: " + err.Error())
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("ledger.json", doc); err != nil {
		panic("ledger schema: " + err.Error())
	}
	s, err := c.Compile("ledger.json")
	if err != nil {
		panic("ledger schema: " + err.Error())
	}
	return s
}
