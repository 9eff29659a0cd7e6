// Package matcher applies declarative pattern tables to document text,
// producing match tables, redacted text and front-page header fields.
package matcher

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultTable []byte

//go:embed patterns.schema.json
var tableSchema string

const tableSchemaURL = "https://certcore.local/schemas/patterns.schema.json"

// Table is the versioned pattern configuration.
type Table struct {
	Version   string              `yaml:"version"`
	Groups    []Group             `yaml:"groups"`
	Frontpage []FrontpageTemplate `yaml:"frontpage"`
}

// Group is a named, ordered list of regular expressions.
type Group struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
}

// FrontpageTemplate describes the header layout of one scheme's reports.
// Named capture groups in each pattern become record fields.
type FrontpageTemplate struct {
	Scheme   string              `yaml:"scheme"`
	Lines    int                 `yaml:"lines"`
	CertLab  string              `yaml:"cert_lab"`
	Patterns []string            `yaml:"patterns"`
	Cut      map[string][]string `yaml:"cut"`
}

// DefaultTable returns the embedded pattern table.
func DefaultTable() (*Table, error) {
	return ParseTable(defaultTable)
}

// LoadTableFile reads and validates a table from path.
func LoadTableFile(path string) (*Table, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("open pattern table: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadTable(f)
}

// LoadTable reads and validates a table from r.
func LoadTable(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pattern table: %w", err)
	}
	return ParseTable(data)
}

// ParseTable validates raw YAML against the table schema and decodes it.
func ParseTable(data []byte) (*Table, error) {
	if err := validateTable(data); err != nil {
		return nil, err
	}
	var table Table
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&table); err != nil {
		return nil, fmt.Errorf("decode pattern table: %w", err)
	}
	seen := make(map[string]struct{}, len(table.Groups))
	for _, g := range table.Groups {
		if _, dup := seen[g.Name]; dup {
			return nil, fmt.Errorf("pattern table: duplicate group %q", g.Name)
		}
		seen[g.Name] = struct{}{}
	}
	return &table, nil
}

// GroupNames lists groups in table order.
func (t *Table) GroupNames() []string {
	out := make([]string, 0, len(t.Groups))
	for _, g := range t.Groups {
		out = append(out, g.Name)
	}
	return out
}

// Only returns a copy of the table restricted to the named groups.
func (t *Table) Only(names ...string) *Table {
	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[n] = struct{}{}
	}
	out := &Table{Version: t.Version, Frontpage: t.Frontpage}
	for _, g := range t.Groups {
		if _, ok := keep[g.Name]; ok {
			out.Groups = append(out.Groups, g)
		}
	}
	return out
}

func validateTable(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse pattern table: %w", err)
	}
	// round-trip through JSON so the validator sees JSON value types
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("pattern table is not JSON compatible: %w", err)
	}
	var jsonDoc any
	if err := json.Unmarshal(raw, &jsonDoc); err != nil {
		return fmt.Errorf("pattern table is not JSON compatible: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(tableSchemaURL, strings.NewReader(tableSchema)); err != nil {
		return fmt.Errorf("pattern schema load failed: %w", err)
	}
	schema, err := c.Compile(tableSchemaURL)
	if err != nil {
		return fmt.Errorf("pattern schema compile failed: %w", err)
	}
	if err := schema.Validate(jsonDoc); err != nil {
		return fmt.Errorf("pattern table invalid: %w", err)
	}
	return nil
}
