package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const estimateSchemaURL = "gravitas://schemas/estimate.json"

// estimateSchema is also embedded in the prompt so the model sees the exact shape.
const estimateSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["summary", "estimatedTime", "score"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "estimatedTime": {"type": "number", "description": "hours of focused work"},
    "score": {"type": "number", "description": "difficulty from 0 (trivial) to 100 (extremely hard)"},
    "difficulty": {"type": "string"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func estimateValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(estimateSchemaURL, strings.NewReader(estimateSchema)); err != nil {
			schemaErr = fmt.Errorf("load estimate schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(estimateSchemaURL)
	})

	return compiledSchema, schemaErr
}

// ParseEstimate extracts, validates and decodes a completion. The model answers on a
// 0-100 scale which is converted to the 0-10 scale here; no clamping is applied.
func ParseEstimate(content string) (Estimate, error) {
	raw, err := ExtractJSONObject(content)
	if err != nil {
		return Estimate{}, err
	}

	validator, err := estimateValidator()
	if err != nil {
		return Estimate{}, err
	}

	var document interface{}
	if err := json.Unmarshal(raw, &document); err != nil {
		return Estimate{}, fmt.Errorf("decode estimate: %w", err)
	}
	if err := validator.Validate(document); err != nil {
		return Estimate{}, fmt.Errorf("estimate does not match schema: %w", err)
	}

	var estimate Estimate
	if err := json.Unmarshal(raw, &estimate); err != nil {
		return Estimate{}, fmt.Errorf("decode estimate: %w", err)
	}
	estimate.Score = estimate.Score / 10

	return estimate, nil
}
