package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// TypeRegistry maps channel value types to stable type tags so adapters can
// store a concrete Go type next to each blob and restore it on decode.
// Unregistered values fall back to plain JSON under the TypeTagJSON tag.
type TypeRegistry struct {
	mu            sync.RWMutex
	nameToType    map[string]reflect.Type
	typeToName    map[reflect.Type]string
	marshallers   map[reflect.Type]func(any) ([]byte, error)
	unmarshallers map[string]func([]byte) (any, error)
}

// NewTypeRegistry creates an empty registry. Most callers use the global
// one via RegisterChannelType.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		nameToType:    make(map[string]reflect.Type),
		typeToName:    make(map[reflect.Type]string),
		marshallers:   make(map[reflect.Type]func(any) ([]byte, error)),
		unmarshallers: make(map[string]func([]byte) (any, error)),
	}
}

// globalTypeRegistry is the singleton instance used by the default Serde.
var globalTypeRegistry = NewTypeRegistry()

// GlobalTypeRegistry returns the global type registry instance
func GlobalTypeRegistry() *TypeRegistry {
	return globalTypeRegistry
}

// RegisterChannelType registers a channel value type in the global registry.
//
// Example usage:
//
//	var docs DocumentSet
//	store.RegisterChannelType(docs, "DocumentSet")
func RegisterChannelType(value any, typeName string) error {
	return globalTypeRegistry.Register(reflect.TypeOf(value), typeName)
}

// Register registers a reflect.Type under a type tag. Only structs and
// pointers to structs are allowed; everything else round-trips fine through
// plain JSON and needs no registration.
func (r *TypeRegistry) Register(t reflect.Type, typeName string) error {
	if typeName == "" || typeName == TypeTagJSON {
		return fmt.Errorf("invalid type tag %q", typeName)
	}
	if t.Kind() != reflect.Struct {
		if t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
			return fmt.Errorf("type %s must be a struct or pointer to struct", t)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.typeToName[t]; ok && existing != typeName {
		return fmt.Errorf("type %v already registered as %s", t, existing)
	}
	if existing, ok := r.nameToType[typeName]; ok && existing != t {
		return fmt.Errorf("type tag %q already registered for %v", typeName, existing)
	}

	r.nameToType[typeName] = t
	r.typeToName[t] = typeName
	return nil
}

// RegisterWithSerialization registers a type with custom marshal/unmarshal
// functions, for values whose default JSON form is lossy.
func (r *TypeRegistry) RegisterWithSerialization(
	t reflect.Type,
	typeName string,
	marshalFunc func(any) ([]byte, error),
	unmarshalFunc func([]byte) (any, error),
) error {
	if err := r.Register(t, typeName); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.marshallers[t] = marshalFunc
	r.unmarshallers[typeName] = unmarshalFunc
	return nil
}

// TypeName returns the registered tag for a value's type.
func (r *TypeRegistry) TypeName(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.typeToName[reflect.TypeOf(value)]
	return name, ok
}

// Known reports whether a type tag is registered.
func (r *TypeRegistry) Known(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nameToType[typeName]
	return ok
}

// Marshal serializes a registered value.
func (r *TypeRegistry) Marshal(value any) ([]byte, error) {
	r.mu.RLock()
	marshalFunc, custom := r.marshallers[reflect.TypeOf(value)]
	r.mu.RUnlock()

	if custom {
		return marshalFunc(value)
	}
	return json.Marshal(value)
}

// Unmarshal deserializes data stored under a registered type tag and
// returns a value of the registered concrete type.
func (r *TypeRegistry) Unmarshal(typeName string, data []byte) (any, error) {
	r.mu.RLock()
	t, ok := r.nameToType[typeName]
	unmarshalFunc, custom := r.unmarshallers[typeName]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("type tag %q not registered", typeName)
	}
	if custom {
		return unmarshalFunc(data)
	}

	if t.Kind() == reflect.Ptr {
		instance := reflect.New(t.Elem())
		if err := json.Unmarshal(data, instance.Interface()); err != nil {
			return nil, err
		}
		return instance.Interface(), nil
	}

	instance := reflect.New(t)
	if err := json.Unmarshal(data, instance.Interface()); err != nil {
		return nil, err
	}
	return instance.Elem().Interface(), nil
}
