package saga

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/btree"
)

const contextDegree = 32

// Context is the key/value bag threaded through the steps of one saga
// instance. Values are held in their JSON encoding so that a Context
// round-trips through any Store unchanged.
//
// A Context is not safe for concurrent use. The orchestrator hands every
// attempt its own copy and keeps the copy only when the attempt succeeds.
type Context struct {
	values   *btree.Map[string, json.RawMessage]
	readOnly bool
}

// NewContext returns an empty, writable Context.
func NewContext() *Context {
	return &Context{values: btree.NewMap[string, json.RawMessage](contextDegree)}
}

// ContextFrom builds a Context from plain Go values.
func ContextFrom(values map[string]any) (*Context, error) {
	c := NewContext()
	for k, v := range values {
		if err := c.Set(k, v); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Set stores the JSON encoding of value under key.
func (c *Context) Set(key string, value any) error {
	if c.readOnly {
		return fmt.Errorf("set %q: %w", key, ErrContextReadOnly)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode context value %q: %w", key, err)
	}
	c.values.Set(key, raw)
	return nil
}

// Get decodes the value stored under key into out.
func (c *Context) Get(key string, out any) error {
	raw, ok := c.values.Get(key)
	if !ok {
		return fmt.Errorf("%q: %w", key, ErrKeyNotFound)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode context value %q: %w", key, err)
	}
	return nil
}

// Lookup is a typed wrapper around Context.Get.
func Lookup[T any](c *Context, key string) (T, error) {
	var v T
	err := c.Get(key, &v)
	return v, err
}

func (c *Context) Has(key string) bool {
	_, ok := c.values.Get(key)
	return ok
}

// Keys returns the keys in sorted order.
func (c *Context) Keys() []string {
	keys := make([]string, 0, c.values.Len())
	c.values.Scan(func(k string, _ json.RawMessage) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

func (c *Context) Len() int { return c.values.Len() }

func (c *Context) ReadOnly() bool { return c.readOnly }

// Clone returns a writable copy that shares no state with c.
func (c *Context) Clone() *Context {
	return &Context{values: c.values.Copy()}
}

// View returns a read-only copy of c. Compensations receive a view because
// they must not need data the forward path did not already write.
func (c *Context) View() *Context {
	return &Context{values: c.values.Copy(), readOnly: true}
}

// Map decodes every value into a plain map, mostly for display.
func (c *Context) Map() map[string]any {
	out := make(map[string]any, c.values.Len())
	c.values.Scan(func(k string, raw json.RawMessage) bool {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			out[k] = v
		}
		return true
	})
	return out
}

// MarshalJSON implements the json.Marshaler interface for Context.
func (c *Context) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, c.values.Len())
	c.values.Scan(func(k string, raw json.RawMessage) bool {
		m[k] = raw
		return true
	})
	return json.Marshal(m)
}

// UnmarshalJSON implements the json.Unmarshaler interface for Context.
func (c *Context) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.values = btree.NewMap[string, json.RawMessage](contextDegree)
	c.readOnly = false
	for k, raw := range m {
		c.values.Set(k, raw)
	}
	return nil
}

func decodeContext(raw json.RawMessage) (*Context, error) {
	c := NewContext()
	if len(raw) == 0 || string(raw) == "null" {
		return c, nil
	}
	if err := c.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("decode saga context: %w", err)
	}
	return c, nil
}
