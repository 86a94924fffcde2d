package mapping

import (
	"reflect"
	"sync"

	"github.com/maruel/ormdb/internal/errors"
)

var (
	registryMu sync.Mutex
	registry   = map[reflect.Type]any{}
)

// Register installs a hand-written descriptor for T. A type can be registered
// at most once, and not after [For] already built one by reflection.
func Register[T any](d *Descriptor[T]) error {
	if err := d.Validate(); err != nil {
		return err
	}
	t := reflect.TypeFor[T]()
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[t]; ok {
		return errors.Newf(errors.KindInvalidRecord, "descriptor for %s already registered", t)
	}
	registry[t] = d
	return nil
}

// MustRegister is like [Register] but panics on error. It is meant for
// package-level initialization.
func MustRegister[T any](d *Descriptor[T]) *Descriptor[T] {
	if err := Register(d); err != nil {
		panic(err)
	}
	return d
}

// For returns the descriptor for T, building it with [Reflect] and caching it
// if none was registered.
func For[T any]() (*Descriptor[T], error) {
	t := reflect.TypeFor[T]()
	registryMu.Lock()
	defer registryMu.Unlock()
	if d, ok := registry[t]; ok {
		return d.(*Descriptor[T]), nil
	}
	d, err := Reflect[T]()
	if err != nil {
		return nil, err
	}
	registry[t] = d
	return d, nil
}
