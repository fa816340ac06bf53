// Package toolsource loads and validates per-agent capability-source
// definitions (tools.json). Sources describe external tool servers the
// engine process may connect to; the daemon itself never dials them, it
// only validates the file and hands the manifest to the engine.
package toolsource

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Source is one entry in an agent's tools.json.
type Source struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"` // "stdio" or "http"
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Manifest is the capability set assembled for one turn: the fixed built-in
// tools, the memory tools when the memory subsystem is available, and the
// agent's own sources.
type Manifest struct {
	Builtins []string
	Memory   bool
	Sources  []Source
}

// sourcesSchema is the contract for tools.json. Transport discriminates the
// required connection fields.
const sourcesSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "array",
	"items": {
		"type": "object",
		"required": ["name", "transport"],
		"additionalProperties": false,
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"transport": {"enum": ["stdio", "http"]},
			"command": {"type": "string", "minLength": 1},
			"args": {"type": "array", "items": {"type": "string"}},
			"env": {"type": "object", "additionalProperties": {"type": "string"}},
			"url": {"type": "string", "minLength": 1},
			"headers": {"type": "object", "additionalProperties": {"type": "string"}}
		},
		"allOf": [
			{
				"if": {"properties": {"transport": {"const": "stdio"}}},
				"then": {"required": ["command"]}
			},
			{
				"if": {"properties": {"transport": {"const": "http"}}},
				"then": {"required": ["url"]}
			}
		]
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
		// validator requires.
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(sourcesSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal sources schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("tools.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("tools.json")
	})
	return schema, schemaErr
}

// Validate checks raw tools.json content against the schema.
func Validate(raw []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("tools.json is not valid JSON: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("tools.json schema validation: %w", err)
	}
	return nil
}

// Load reads and validates an agent's tools.json. A missing file is an
// agent with no extra sources, not an error.
func Load(path string) ([]Source, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := Validate(raw); err != nil {
		return nil, err
	}
	var sources []Source
	if err := json.Unmarshal(raw, &sources); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return sources, nil
}

// BuiltinTools is the fixed tool set every turn gets.
var BuiltinTools = []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep"}

// MemoryTools are added only when the memory subsystem reports available.
var MemoryTools = []string{"MemorySearch", "MemoryJournal"}

// BuildManifest assembles the per-turn capability set. Assembly happens once
// at turn start; mid-turn edits to tools.json affect the next turn.
func BuildManifest(sources []Source, memoryAvailable bool) Manifest {
	m := Manifest{
		Builtins: append([]string(nil), BuiltinTools...),
		Memory:   memoryAvailable,
		Sources:  append([]Source(nil), sources...),
	}
	if memoryAvailable {
		m.Builtins = append(m.Builtins, MemoryTools...)
	}
	return m
}
