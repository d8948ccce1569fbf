package demes

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"bitbucket.org/Davydov/sfsinfer/output"
)

// ErrPath is returned for paths not resolving to a document attribute.
var ErrPath = errors.New("graph path not found")

// Document is an editable graph document.
type Document struct {
	root *yaml.Node
}

// ParseDocument parses a YAML graph document and checks that it
// resolves to a valid graph.
func ParseDocument(b []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(b, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGraph, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) != 1 || root.Content[0].Kind != yaml.MappingNode {
		return nil, invalid("document must be a mapping")
	}
	d := &Document{root: &root}
	if _, err := d.Graph(); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadDocument reads a graph document from a file.
func LoadDocument(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := ParseDocument(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debugf("Read graph %s", path)
	return d, nil
}

// Load reads and resolves a graph from a file.
func Load(path string) (*Graph, error) {
	d, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}
	return d.Graph()
}

// Graph resolves the current document state.
func (d *Document) Graph() (*Graph, error) {
	var raw rawGraph
	if err := d.root.Content[0].Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGraph, err)
	}
	return resolve(&raw)
}

func copyNode(n *yaml.Node, seen map[*yaml.Node]*yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	if c, ok := seen[n]; ok {
		return c
	}
	c := *n
	seen[n] = &c
	c.Content = make([]*yaml.Node, len(n.Content))
	for i, ch := range n.Content {
		c.Content[i] = copyNode(ch, seen)
	}
	c.Alias = copyNode(n.Alias, seen)
	return &c
}

// Copy returns an independent copy of the document.
func (d *Document) Copy() *Document {
	return &Document{root: copyNode(d.root, make(map[*yaml.Node]*yaml.Node))}
}

// mappingValue returns the value node under key.
func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// sequenceItem returns an item by index or by its name attribute.
func sequenceItem(s *yaml.Node, key string) *yaml.Node {
	if i, err := strconv.Atoi(key); err == nil {
		if i < 0 || i >= len(s.Content) {
			return nil
		}
		return s.Content[i]
	}
	for _, item := range s.Content {
		if item.Kind != yaml.MappingNode {
			continue
		}
		if name := mappingValue(item, "name"); name != nil && name.Value == key {
			return item
		}
	}
	return nil
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

func child(n *yaml.Node, key string) *yaml.Node {
	switch n.Kind {
	case yaml.MappingNode:
		return resolveAlias(mappingValue(n, key))
	case yaml.SequenceNode:
		return resolveAlias(sequenceItem(n, key))
	}
	return nil
}

func splitPath(path string) []string {
	return strings.Split(strings.TrimSpace(path), ".")
}

// lookup walks the path and returns the parent of the last element
// together with the element itself (nil if absent).
func (d *Document) lookup(path string) (parent, n *yaml.Node, last string, err error) {
	parts := splitPath(path)
	n = d.root.Content[0]
	for i, p := range parts {
		if p == "" {
			return nil, nil, "", fmt.Errorf("%w: %q", ErrPath, path)
		}
		parent = n
		n = child(n, p)
		if n == nil && i < len(parts)-1 {
			return nil, nil, "", fmt.Errorf("%w: %q (at %q)", ErrPath, path, p)
		}
	}
	return parent, n, parts[len(parts)-1], nil
}

// Get returns a numeric attribute, e.g. "demes.A.epochs.0.start_size",
// "migrations.0.rate" or "pulses.1.proportions.0". Demes may be
// addressed by name or by index.
func (d *Document) Get(path string) (float64, error) {
	_, n, _, err := d.lookup(path)
	if err != nil {
		return 0, err
	}
	if n == nil {
		return 0, fmt.Errorf("%w: %q", ErrPath, path)
	}
	if n.Kind != yaml.ScalarNode {
		return 0, fmt.Errorf("%w: %q is not a scalar", ErrPath, path)
	}
	v, err := parseTime(n.Value)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", path, err)
	}
	return v, nil
}

// Has returns true if the path exists in the document.
func (d *Document) Has(path string) bool {
	_, err := d.Get(path)
	return err == nil
}

func setScalar(n *yaml.Node, v float64) {
	n.Kind = yaml.ScalarNode
	n.Style = 0
	n.Content = nil
	switch {
	case math.IsInf(v, 1):
		n.Tag, n.Value = "!!float", ".inf"
	case v == math.Trunc(v) && math.Abs(v) < 1e15:
		n.Tag, n.Value = "!!int", strconv.FormatFloat(v, 'f', -1, 64)
	default:
		n.Tag, n.Value = "!!float", strconv.FormatFloat(v, 'g', -1, 64)
	}
}

// Set writes a numeric attribute. A missing attribute of an existing
// mapping is added; missing sequence items are an error.
func (d *Document) Set(path string, v float64) error {
	parent, n, last, err := d.lookup(path)
	if err != nil {
		return err
	}
	if n != nil {
		if n.Kind != yaml.ScalarNode {
			return fmt.Errorf("%w: %q is not a scalar", ErrPath, path)
		}
		setScalar(n, v)
		return nil
	}
	if parent.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: %q", ErrPath, path)
	}
	key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: last}
	val := &yaml.Node{}
	setScalar(val, v)
	parent.Content = append(parent.Content, key, val)
	return nil
}

// SetValues sets several attributes and checks the resulting graph.
func (d *Document) SetValues(paths []string, values []float64) (*Graph, error) {
	if len(paths) != len(values) {
		return nil, fmt.Errorf("%d paths for %d values", len(paths), len(values))
	}
	for i, p := range paths {
		if err := d.Set(p, values[i]); err != nil {
			return nil, err
		}
	}
	return d.Graph()
}

// Write writes the document as YAML.
func (d *Document) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(d.root); err != nil {
		return err
	}
	return enc.Close()
}

// Marshal returns the YAML text.
func (d *Document) Marshal() ([]byte, error) {
	var b bytes.Buffer
	if err := d.Write(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Save writes the document to a file all-or-nothing; without overwrite
// an existing file is an error wrapping output.ErrExists.
func (d *Document) Save(path string, overwrite bool) error {
	return output.WriteFile(path, overwrite, d.Write)
}
