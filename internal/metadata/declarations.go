package metadata

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// IndexDeclaration is what the declaration loader supplies for one index.
type IndexDeclaration struct {
	Name    string   `yaml:"name,omitempty"`
	Columns []string `yaml:"columns"`
	Unique  bool     `yaml:"unique,omitempty"`
}

// Declaration is what the declaration loader supplies for one entity.
type Declaration struct {
	Name    string             `yaml:"name"`
	Table   string             `yaml:"table"`
	Indices []IndexDeclaration `yaml:"indices"`
}

type declarationFile struct {
	Entities []Declaration `yaml:"entities"`
}

// LoadDeclarations reads entity declarations from a YAML file of the form
//
//	entities:
//	  - name: Person
//	    table: person
//	    indices:
//	      - name: IDX_TEST
//	        columns: [FirstName, LastName]
func LoadDeclarations(path string) ([]Declaration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entity declarations from '%s': %w", path, err)
	}
	return ParseDeclarations(raw)
}

// ParseDeclarations decodes the YAML document used by LoadDeclarations.
// Unknown keys are rejected so a typo like "colums" fails loudly.
func ParseDeclarations(raw []byte) ([]Declaration, error) {
	var file declarationFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse entity declarations: %w", err)
	}
	return file.Entities, nil
}
