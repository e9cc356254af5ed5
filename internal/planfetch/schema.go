package planfetch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// Plan document schema, one per supported major version. The gate on the
// major version happens before validation; a plan whose schema_version has
// no entry here is rejected outright.
const planSchemaV1 = `{
  "type": "object",
  "required": ["id", "version", "steps"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "schema_version": {"type": "string"},
    "metadata": {"type": "object"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "uses"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "uses": {"type": "string", "minLength": 1},
          "with": {"type": "object"},
          "depends_on": {
            "type": "array",
            "items": {"type": "string", "minLength": 1}
          }
        }
      }
    }
  }
}`

var planSchemas = map[int]*openapi3.Schema{
	1: mustSchema(planSchemaV1),
}

func mustSchema(raw string) *openapi3.Schema {
	schema := &openapi3.Schema{}
	if err := schema.UnmarshalJSON([]byte(raw)); err != nil {
		panic("planfetch: bad embedded schema: " + err.Error())
	}
	return schema
}

// majorOf extracts the major component of a schema version such as "1",
// "1.2" or "v1.2".
func majorOf(version string) (int, error) {
	v := strings.TrimPrefix(strings.TrimSpace(version), "v")
	if i := strings.IndexByte(v, '.'); i >= 0 {
		v = v[:i]
	}
	major, err := strconv.Atoi(v)
	if err != nil || major < 0 {
		return 0, fmt.Errorf("malformed schema version: %q", version)
	}
	return major, nil
}
