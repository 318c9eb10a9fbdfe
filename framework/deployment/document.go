package deployment

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/km-arc/go-mc/framework/descriptor"
)

// DefaultPattern matches the descriptor files a Scanner picks up.
const DefaultPattern = "*-beans.yaml"

// Document is the content of one descriptor file.
//
//	name: storage            # optional, defaults to the file name
//	beans:
//	  - name: cache
//	    class: acme.Cache
//	    properties:
//	      size: 100
//	    start: {method: Start}
type Document struct {
	Name  string             `yaml:"name,omitempty" json:"name,omitempty"`
	Beans []*descriptor.Bean `yaml:"beans" json:"beans"`
}

// Parse decodes a descriptor document. Unknown document and bean keys are
// rejected. An empty document has no beans.
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &doc, nil
		}
		return nil, fmt.Errorf("deployment: decode: %w", err)
	}
	return &doc, nil
}

// LoadFile reads and decodes path. A document without a name takes it from
// the file name, minus the "-beans.yaml" suffix.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("deployment: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if doc.Name == "" {
		doc.Name = NameFromPath(path)
	}
	return doc, nil
}

// NameFromPath derives a deployment name from a descriptor file path.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	for _, suffix := range []string{"-beans.yaml", "-beans.yml", ".yaml", ".yml"} {
		if name, ok := strings.CutSuffix(base, suffix); ok && name != "" {
			return name
		}
	}
	return base
}

// Validate checks every bean of the document.
func (d *Document) Validate() error {
	return descriptor.Validate(d.Beans)
}
