// Package schema validates inbound artifacts against embedded JSON Schemas
// before any builder or engine logic runs. Validation is fail-closed: an
// artifact that does not match its schema is rejected with SCHEMA_INVALID
// and never partially processed.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// Registry holds compiled schemas keyed by schemaVersion.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry compiles the built-in artifact schemas. Compilation failure is
// a programming error, so it panics rather than returning an error.
func NewRegistry() *Registry {
	r := &Registry{schemas: make(map[string]*jsonschema.Schema)}
	for version, source := range builtinSchemas {
		if err := r.Register(version, source); err != nil {
			panic(fmt.Sprintf("schema: built-in schema %s failed to compile: %v", version, err))
		}
	}
	return r
}

// Register compiles and stores a schema for the given schemaVersion.
func (r *Registry) Register(version, source string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://settld.schemas.local/%s.schema.json", version)
	if err := c.AddResource(url, strings.NewReader(source)); err != nil {
		return fmt.Errorf("schema load failed for %s: %w", version, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schema compile failed for %s: %w", version, err)
	}
	r.mu.Lock()
	r.schemas[version] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks v against the schema registered for version. v may be a
// struct (it is round-tripped through encoding/json) or a generic map.
func (r *Registry) Validate(version string, v any) error {
	r.mu.RLock()
	compiled, ok := r.schemas[version]
	r.mu.RUnlock()
	if !ok {
		return contracts.Errorf(contracts.CodeSchemaInvalid, "no schema registered for %q", version)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return contracts.Errorf(contracts.CodeSchemaInvalid, "artifact not serializable: %v", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return contracts.Errorf(contracts.CodeSchemaInvalid, "artifact not decodable: %v", err)
	}

	if err := compiled.Validate(generic); err != nil {
		return contracts.Errorf(contracts.CodeSchemaInvalid, "%s: %v", version, err)
	}
	return nil
}
