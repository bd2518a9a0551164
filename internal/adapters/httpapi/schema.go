package httpapi

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	schemaApplicationCreate = "application_create.json"
	schemaApplicationPatch  = "application_patch.json"
	schemaSyncRequest       = "sync_request.json"
)

type requestSchemas map[string]*santhosh.Schema

func loadRequestSchemas() (requestSchemas, error) {
	compiled := make(requestSchemas)
	for _, name := range []string{schemaApplicationCreate, schemaApplicationPatch, schemaSyncRequest} {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		sch, err := compileSchema(name, raw)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		compiled[name] = sch
	}
	return compiled, nil
}

func compileSchema(name string, schemaJSON []byte) (*santhosh.Schema, error) {
	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	if err := compiler.AddResource(name, bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile(name)
}

// validate checks a request body and reports violations as a
// *domain.ValidationError keyed by the offending property.
func (s requestSchemas) validate(name string, body []byte) error {
	sch, ok := s[name]
	if !ok {
		return fmt.Errorf("unknown schema %s", name)
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return domain.NewValidationError("body", "body must be valid json")
	}
	if err := sch.Validate(v); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			fields := make(map[string]string)
			collectViolations(ve, fields)
			return &domain.ValidationError{Fields: fields}
		}
		return domain.NewValidationError("body", err.Error())
	}
	return nil
}

func collectViolations(ve *santhosh.ValidationError, fields map[string]string) {
	for _, cause := range ve.Causes {
		collectViolations(cause, fields)
	}
	if len(ve.Causes) > 0 {
		return
	}
	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	if field == "" {
		field = "body"
	}
	field = strings.ReplaceAll(field, "/", ".")
	if _, exists := fields[field]; !exists {
		fields[field] = field + ": " + ve.Message
	}
}
