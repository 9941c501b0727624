package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	schemaDir       = "schemas"
	resourcePrefix  = "mem://connector/schemas/"
	requestPointer  = "#/definitions/request"
	responsePointer = "#/definitions/response"
)

var (
	ErrUnknownMethod = errors.New("no schema registered for method")

	//go:embed schemas/*.json
	schemaFiles embed.FS
)

// Registry holds the compiled request and response schemas of every method.
// It is immutable once built and safe for concurrent use.
type Registry struct {
	requests  map[string]*jsonschema.Schema
	responses map[string]*jsonschema.Schema
}

// NewRegistry compiles the embedded schemas.
func NewRegistry() (*Registry, error) {
	entries, err := schemaFiles.ReadDir(schemaDir)
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	methods := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		buf, err := schemaFiles.ReadFile(path.Join(schemaDir, name))
		if err != nil {
			return nil, err
		}
		if err := compiler.AddResource(
			resourcePrefix+name, bytes.NewReader(buf),
		); err != nil {
			return nil, fmt.Errorf("invalid schema %s: %w", name, err)
		}
		methods = append(methods, strings.TrimSuffix(name, ".json"))
	}

	requests := make(map[string]*jsonschema.Schema)
	responses := make(map[string]*jsonschema.Schema)
	for _, method := range methods {
		url := resourcePrefix + method + ".json"
		req, err := compiler.Compile(url + requestPointer)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s request schema: %w", method, err)
		}
		res, err := compiler.Compile(url + responsePointer)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s response schema: %w", method, err)
		}
		requests[method] = req
		responses[method] = res
	}

	return &Registry{requests, responses}, nil
}

// Methods returns the sorted list of methods with a registered schema.
func (r *Registry) Methods() []string {
	methods := make([]string, 0, len(r.requests))
	for method := range r.requests {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

func (r *Registry) ValidateRequest(method string, value interface{}) error {
	return validate(r.requests, method, value)
}

func (r *Registry) ValidateResponse(method string, value interface{}) error {
	return validate(r.responses, method, value)
}

func validate(
	schemas map[string]*jsonschema.Schema, method string, value interface{},
) error {
	schema, ok := schemas[method]
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownMethod, method)
	}
	doc, err := toDocument(value)
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return describe(err)
	}
	return nil
}

// toDocument converts any value to its generic JSON representation, numbers
// are kept as json.Number to not lose precision.
func toDocument(value interface{}) (interface{}, error) {
	var buf []byte
	switch v := value.(type) {
	case json.RawMessage:
		buf = v
	case []byte:
		buf = v
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("value is not serializable: %w", err)
		}
		buf = b
	}

	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return doc, nil
}

// describe reduces a validation error to its most specific cause.
func describe(err error) error {
	var validationErr *jsonschema.ValidationError
	if !errors.As(err, &validationErr) {
		return err
	}

	leaf := validationErr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	location := leaf.InstanceLocation
	if len(location) <= 0 {
		location = "/"
	}
	return fmt.Errorf("%s: %s", location, leaf.Message)
}
