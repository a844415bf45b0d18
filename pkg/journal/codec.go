package journal

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/wilhg/composable/pkg/errmodel"
)

// Codec converts actions to and from their journaled form.
type Codec[A any] interface {
	Encode(action A) (typ string, payload []byte, err error)
	Decode(typ string, payload []byte) (A, error)
}

// JSONCodec encodes a single concrete action type as JSON.
type JSONCodec[A any] struct{}

func (JSONCodec[A]) Encode(a A) (string, []byte, error) {
	b, err := json.Marshal(a)
	return fmt.Sprintf("%T", a), b, err
}

func (JSONCodec[A]) Decode(_ string, payload []byte) (A, error) {
	var a A
	if len(payload) == 0 {
		return a, nil
	}
	err := json.Unmarshal(payload, &a)
	return a, err
}

// TypeCodec encodes actions of a sealed interface type A. Each concrete
// type must be registered under a stable name with Register.
type TypeCodec[A any] struct {
	mu     sync.RWMutex
	names  map[reflect.Type]string
	decode map[string]func([]byte) (A, error)
}

func NewTypeCodec[A any]() *TypeCodec[A] {
	return &TypeCodec[A]{names: map[reflect.Type]string{}, decode: map[string]func([]byte) (A, error){}}
}

// Register adds concrete type T, which must implement A, under name.
// Registering the same name twice panics.
func Register[A, T any](c *TypeCodec[A], name string) {
	if _, ok := any(*new(T)).(A); !ok {
		panic(fmt.Sprintf("journal: %T does not implement %s", *new(T), reflect.TypeFor[A]()))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.decode[name]; dup {
		panic("journal: action type registered twice: " + name)
	}
	c.names[reflect.TypeFor[T]()] = name
	c.decode[name] = func(payload []byte) (A, error) {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				var zero A
				return zero, err
			}
		}
		return any(t).(A), nil
	}
}

func (c *TypeCodec[A]) Encode(a A) (string, []byte, error) {
	c.mu.RLock()
	name, ok := c.names[reflect.TypeOf(a)]
	c.mu.RUnlock()
	if !ok {
		return "", nil, errmodel.Validation("unregistered_action", "action type is not registered",
			map[string]any{"type": fmt.Sprintf("%T", a)})
	}
	b, err := json.Marshal(a)
	return name, b, err
}

func (c *TypeCodec[A]) Decode(typ string, payload []byte) (A, error) {
	c.mu.RLock()
	dec, ok := c.decode[typ]
	c.mu.RUnlock()
	if !ok {
		var zero A
		return zero, errmodel.Validation("unregistered_action", "action type is not registered",
			map[string]any{"type": typ})
	}
	return dec(payload)
}

// Types lists the registered names in order.
func (c *TypeCodec[A]) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.decode))
}
