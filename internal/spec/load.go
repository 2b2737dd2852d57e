package spec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads a document from a YAML or JSON file. A relative data path is
// resolved against the document's directory.
func Load(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read spec file: %w", err)
	}
	doc, err := Parse(raw)
	if err != nil {
		return Document{}, err
	}
	if doc.Data.Path != "" && !filepath.IsAbs(doc.Data.Path) {
		doc.Data.Path = filepath.Join(filepath.Dir(path), doc.Data.Path)
	}
	return doc, nil
}

// Parse decodes and validates a document.
func Parse(raw []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("parse spec: %w", err)
	}
	if doc.Audio.Composition == "" {
		doc.Audio.Composition = Concat
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Validate rejects documents whose units reference undeclared fields or
// reuse a field within a traversal.
func (d Document) Validate() error {
	seen := make(map[string]bool, len(d.Fields))
	for i, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("fields[%d].name must not be empty", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("fields[%d].name %q is declared twice", i, f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case Nominal, Ordinal, Quantitative, Temporal:
		default:
			return fmt.Errorf("fields[%d].type must be one of nominal|ordinal|quantitative|temporal", i)
		}
	}
	switch d.Audio.Composition {
	case "", Concat, Layer:
	default:
		return errors.New("audio.composition must be one of concat|layer")
	}
	names := make(map[string]bool, len(d.Audio.Units))
	for i, u := range d.Audio.Units {
		if u.Name == "" {
			return fmt.Errorf("audio.units[%d].name must not be empty", i)
		}
		if names[u.Name] {
			return fmt.Errorf("audio.units[%d].name %q is used twice", i, u.Name)
		}
		names[u.Name] = true
		if err := ValidateUnit(u, d.Fields); err != nil {
			return fmt.Errorf("audio.units[%d]: %w", i, err)
		}
	}
	return nil
}

// ValidateUnit checks a unit against the field list.
func ValidateUnit(u AudioUnitSpec, fields Fields) error {
	encoded := make(map[string]bool, len(u.Encoding))
	for prop, enc := range u.Encoding {
		switch prop {
		case Pitch, Volume, Duration:
		default:
			return fmt.Errorf("encoding.%s is not an audio property", prop)
		}
		if enc.Field == "" {
			continue
		}
		if !fields.Has(enc.Field) {
			return fmt.Errorf("encoding.%s.field %q is not declared", prop, enc.Field)
		}
		switch enc.EffectiveAggregate() {
		case AggregateNone, AggregateMean, AggregateMedian, AggregateMin, AggregateMax, AggregateSum, AggregateCount:
		default:
			return fmt.Errorf("encoding.%s.aggregate %q is not supported", prop, enc.Aggregate)
		}
		encoded[enc.Field] = true
	}
	traversed := make(map[string]bool, len(u.Traversal))
	for i, t := range u.Traversal {
		if !fields.Has(t.Field) {
			return fmt.Errorf("traversal[%d].field %q is not declared", i, t.Field)
		}
		if traversed[t.Field] {
			return fmt.Errorf("traversal[%d].field %q appears twice", i, t.Field)
		}
		if encoded[t.Field] {
			return fmt.Errorf("traversal[%d].field %q is also encoded", i, t.Field)
		}
		traversed[t.Field] = true
	}
	return nil
}
