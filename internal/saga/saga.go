package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Context carries the saga input and every step's result across the run.
// Values are stored as raw JSON so the execution ledger can persist the whole
// thing without knowing the step types.
type Context struct {
	values map[string]json.RawMessage
}

// NewContext seeds a context with the saga input under the "input" key.
func NewContext(input json.RawMessage) *Context {
	values := map[string]json.RawMessage{}
	if len(input) > 0 {
		values["input"] = input
	}
	return &Context{values: values}
}

// Set marshals v under key. A json.RawMessage is stored as-is.
func (c *Context) Set(key string, v any) error {
	if raw, ok := v.(json.RawMessage); ok {
		c.values[key] = raw
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("saga context set %s: %w", key, err)
	}
	c.values[key] = raw
	return nil
}

// Get unmarshals the value under key into out.
func (c *Context) Get(key string, out any) error {
	raw, ok := c.values[key]
	if !ok {
		return fmt.Errorf("saga context: no value for %s", key)
	}
	return json.Unmarshal(raw, out)
}

// Has reports whether key is set.
func (c *Context) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Values returns the backing map for persistence.
func (c *Context) Values() map[string]json.RawMessage {
	return c.values
}

// Step is one forward action with its undo. Execute's result lands in the
// context under the step name. Compensate may be nil for steps with nothing
// to undo.
type Step struct {
	Name       string
	Execute    func(ctx context.Context, sc *Context) (json.RawMessage, error)
	Compensate func(ctx context.Context, sc *Context) error
}

// Definition is an ordered sequence of steps registered under a name.
type Definition struct {
	Name  string
	Steps []Step
}

// Registry maps saga names to definitions. Registration happens at startup;
// executions only read.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]Definition{}}
}

func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	r.defs[def.Name] = def
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
