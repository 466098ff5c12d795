// Package config reads repository server configuration.
//
// Every option is registered with a name, a Kind and a default.  A
// configuration file is a YAML mapping from option names to values; scalar
// values are parsed with Parse, and list options also accept sequences,
// every item adding to the list.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pachyderm/troverepo/src/internal/errors"
)

// Option describes one configuration option.
type Option struct {
	Name    string
	Kind    Kind
	Default string
	Help    string
}

// Registry is a set of options, looked up case-insensitively.
type Registry struct {
	mu      sync.RWMutex
	options map[string]Option
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{options: make(map[string]Option)}
	for _, o := range opts {
		r.Register(o)
	}
	return r
}

// Register adds o.  It panics if the default does not parse or the name is
// taken, both being programming errors.
func (r *Registry) Register(o Option) {
	if _, err := Parse(o.Kind, o.Default); err != nil {
		panic(fmt.Sprintf("config option %s: bad default %q: %v", o.Name, o.Default, err))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := strings.ToLower(o.Name)
	if _, ok := r.options[k]; ok {
		panic(fmt.Sprintf("config option %s registered twice", o.Name))
	}
	r.options[k] = o
}

func (r *Registry) Lookup(name string) (Option, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.options[strings.ToLower(name)]
	return o, ok
}

// Options returns the registered options sorted by name.
func (r *Registry) Options() []Option {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Option, 0, len(r.options))
	for _, o := range r.options {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseError is a configuration error at a position in a file.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%s: %s", e.File, e.Msg)
	}
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// Config holds the values of a registry's options.
type Config struct {
	reg    *Registry
	values map[string]Value
}

// New returns a Config with every option at its default.
func New(reg *Registry) *Config {
	c := &Config{reg: reg, values: make(map[string]Value)}
	for _, o := range reg.Options() {
		v, _ := Parse(o.Kind, o.Default)
		c.values[strings.ToLower(o.Name)] = v
	}
	return c
}

// Set parses s as the value of name.  List options are appended to.
func (c *Config) Set(name, s string) error {
	o, ok := c.reg.Lookup(name)
	if !ok {
		return errors.Errorf("unknown configuration option %s", name)
	}
	v, err := Parse(o.Kind, s)
	if err != nil {
		return errors.Wrapf(err, "configuration option %s", o.Name)
	}
	c.set(o, v)
	return nil
}

func (c *Config) set(o Option, v Value) {
	k := strings.ToLower(o.Name)
	if o.Kind.isList() {
		v = Append(c.values[k], v)
	}
	c.values[k] = v
}

// Reset returns name to its default.
func (c *Config) Reset(name string) error {
	o, ok := c.reg.Lookup(name)
	if !ok {
		return errors.Errorf("unknown configuration option %s", name)
	}
	v, _ := Parse(o.Kind, o.Default)
	c.values[strings.ToLower(o.Name)] = v
	return nil
}

// Get returns the value of name, or nil for an unknown option.
func (c *Config) Get(name string) Value {
	return c.values[strings.ToLower(name)]
}

// Load reads a YAML configuration file into c.  Errors are *ParseError
// carrying the line of the offending entry.
func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.EnsureStack(err)
	}
	return c.LoadBytes(path, data)
}

// LoadBytes is Load for data already read from file.
func (c *Config) LoadBytes(file string, data []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.WithStack(&ParseError{File: file, Line: yamlErrorLine(err), Msg: err.Error()})
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return errors.WithStack(&ParseError{File: file, Line: root.Line, Msg: "configuration must be a mapping of option names to values"})
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		o, ok := c.reg.Lookup(key.Value)
		if !ok {
			return errors.WithStack(&ParseError{File: file, Line: key.Line, Msg: fmt.Sprintf("unknown configuration option %s", key.Value)})
		}
		entries, err := nodeEntries(o, val)
		if err != nil {
			return errors.WithStack(&ParseError{File: file, Line: val.Line, Msg: err.Error()})
		}
		for _, e := range entries {
			v, err := Parse(o.Kind, e.value)
			if err != nil {
				return errors.WithStack(&ParseError{File: file, Line: e.line, Msg: fmt.Sprintf("%s: %v", o.Name, err)})
			}
			c.set(o, v)
		}
	}
	return nil
}

type entry struct {
	value string
	line  int
}

// nodeEntries flattens a YAML value into the strings Parse reads.
func nodeEntries(o Option, n *yaml.Node) ([]entry, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return []entry{{n.Value, n.Line}}, nil
	case yaml.SequenceNode:
		if !o.Kind.isList() {
			return nil, errors.Errorf("%s takes a single %v, not a list", o.Name, o.Kind)
		}
		var out []entry
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, errors.Errorf("%s: list items must be scalars", o.Name)
			}
			out = append(out, entry{item.Value, item.Line})
		}
		return out, nil
	case yaml.MappingNode:
		if o.Kind != KindServerMap {
			return nil, errors.Errorf("%s takes a %v, not a mapping", o.Name, o.Kind)
		}
		var out []entry
		for i := 0; i+1 < len(n.Content); i += 2 {
			out = append(out, entry{n.Content[i].Value + " " + n.Content[i+1].Value, n.Content[i].Line})
		}
		return out, nil
	}
	return nil, errors.Errorf("%s: unsupported value", o.Name)
}

// yamlErrorLine pulls the line number out of a yaml.v3 syntax error, which
// only carries it in its text ("yaml: line 3: ...").
func yamlErrorLine(err error) int {
	msg := err.Error()
	i := strings.Index(msg, "line ")
	if i < 0 {
		return 0
	}
	var line int
	if _, err := fmt.Sscanf(msg[i:], "line %d", &line); err != nil {
		return 0
	}
	return line
}

// Write formats every option that differs from its default as YAML.
func (c *Config) Write() ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, o := range c.reg.Options() {
		v := c.values[strings.ToLower(o.Name)]
		def, _ := Parse(o.Kind, o.Default)
		if v.String() == def.String() {
			continue
		}
		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: o.Name})
		if o.Kind.isList() {
			seq := &yaml.Node{Kind: yaml.SequenceNode}
			for _, line := range listItems(v) {
				seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: line})
			}
			root.Content = append(root.Content, seq)
			continue
		}
		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: v.String()})
	}
	out, err := yaml.Marshal(root)
	return out, errors.EnsureStack(err)
}

func listItems(v Value) []string {
	switch v := v.(type) {
	case StringList:
		return v
	case LabelList:
		out := make([]string, len(v))
		for i, l := range v {
			out[i] = l.String()
		}
		return out
	case ServerMap:
		out := make([]string, len(v))
		for i, m := range v {
			out[i] = m.Pattern + " " + m.URL
		}
		return out
	}
	return []string{v.String()}
}
