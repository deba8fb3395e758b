package templates

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/maestro/pkg/schema"
)

// schemaValidator compiles and caches JSON Schemas attached to templates for
// input parameter validation.
type schemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{cache: make(map[string]*jsonschema.Schema)}
}

// ValidateInput checks params against the template's parameter schema. A
// template without a schema accepts anything here; required-parameter and
// default handling happens separately against the ParameterSpec list.
func (v *schemaValidator) ValidateInput(tpl *schema.WorkflowTemplate, params map[string]any) error {
	if len(tpl.ParameterSchema) == 0 {
		return nil
	}

	compiled, err := v.compile(tpl.Name+"@"+tpl.Version, tpl.ParameterSchema)
	if err != nil {
		return err
	}

	// Round-trip through JSON so typed Go values become the plain types the
	// validator expects.
	raw, err := json.Marshal(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to encode input parameters").WithCause(err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to decode input parameters").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "input parameters do not match the template schema").WithCause(err)
	}
	return nil
}

func (v *schemaValidator) compile(key string, raw []byte) (*jsonschema.Schema, error) {
	v.mu.RLock()
	compiled, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if compiled, ok := v.cache[key]; ok {
		return compiled, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid parameter schema").WithCause(err)
	}

	compiler := jsonschema.NewCompiler()
	url := "maestro:///" + key + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to register parameter schema").WithCause(err)
	}
	compiled, err = compiler.Compile(url)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to compile parameter schema").WithCause(err)
	}

	v.cache[key] = compiled
	return compiled, nil
}
