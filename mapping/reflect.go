// Builds descriptors from struct fields by reflection.

package mapping

import (
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/maruel/ormdb/codec"
	"github.com/maruel/ormdb/internal/errors"
)

// TableNamer overrides the default table name of a record type. It is
// consulted on the zero value, once per type.
type TableNamer interface {
	TableName() string
}

// Reflect builds a descriptor for struct type T.
//
// The table name is the type's own name unless T or *T implements
// [TableNamer]. Every exported field becomes a column named after the field,
// unless overridden with an `orm:"name"` tag; `orm:"-"` skips the field.
// Supported field types are string, []byte, int64, float64 and bool (named
// types with those underlying types included). Column descriptions come from
// `jsonschema:"description=..."` tags.
func Reflect[T any]() (*Descriptor[T], error) {
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Struct {
		return nil, errors.Newf(errors.KindInvalidRecord, "record type must be a struct, got %s", t.Kind())
	}

	d := &Descriptor[T]{Table: tableName[T](t)}
	var jsonNames []string
	for i := range t.NumField() {
		field := t.Field(i)
		tag := field.Tag.Get("orm")
		if tag == "-" || !field.IsExported() {
			continue
		}
		if field.Anonymous {
			return nil, errors.Newf(errors.KindInvalidRecord, "%s.%s: embedded fields are not supported", t.Name(), field.Name)
		}
		kind, ok := fieldKind(field.Type)
		if !ok {
			return nil, errors.Newf(errors.KindInvalidRecord, "%s.%s: unsupported field type %s", t.Name(), field.Name, field.Type)
		}
		name := field.Name
		if tag != "" {
			name = tag
		}
		d.Columns = append(d.Columns, reflectColumn[T](i, name, kind))
		jsonNames = append(jsonNames, jsonFieldName(&field))
	}
	// Only reflect the JSON schema once every field is known to be mappable.
	descriptions := fieldDescriptions(t)
	for i := range d.Columns {
		d.Columns[i].Description = descriptions[jsonNames[i]]
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func tableName[T any](t reflect.Type) string {
	var zero T
	if n, ok := any(zero).(TableNamer); ok {
		return n.TableName()
	}
	if n, ok := any(&zero).(TableNamer); ok {
		return n.TableName()
	}
	return t.Name()
}

// fieldKind maps a Go field type to a column kind.
func fieldKind(t reflect.Type) (codec.Kind, bool) {
	switch t.Kind() {
	case reflect.String:
		return codec.Text, true
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return codec.Bytes, true
		}
	case reflect.Int64:
		return codec.Int64, true
	case reflect.Float64:
		return codec.Float64, true
	case reflect.Bool:
		return codec.Bool, true
	default:
	}
	return 0, false
}

func reflectColumn[T any](index int, name string, kind codec.Kind) Column[T] {
	field := func(r *T) reflect.Value {
		return reflect.ValueOf(r).Elem().Field(index)
	}
	c := Column[T]{Name: name, Kind: kind}
	switch kind {
	case codec.Text:
		c.Get = func(r *T) codec.Value { return codec.TextValue(field(r).String()) }
		c.Set = func(r *T, v codec.Value) error {
			s, err := v.Text()
			if err == nil {
				field(r).SetString(s)
			}
			return err
		}
	case codec.Bytes:
		c.Get = func(r *T) codec.Value { return codec.BytesValue(field(r).Bytes()) }
		c.Set = func(r *T, v codec.Value) error {
			b, err := v.Bytes()
			if err == nil {
				field(r).SetBytes(b)
			}
			return err
		}
	case codec.Int64:
		c.Get = func(r *T) codec.Value { return codec.Int64Value(field(r).Int()) }
		c.Set = func(r *T, v codec.Value) error {
			i, err := v.Int64()
			if err == nil {
				field(r).SetInt(i)
			}
			return err
		}
	case codec.Float64:
		c.Get = func(r *T) codec.Value { return codec.Float64Value(field(r).Float()) }
		c.Set = func(r *T, v codec.Value) error {
			f, err := v.Float64()
			if err == nil {
				field(r).SetFloat(f)
			}
			return err
		}
	case codec.Bool:
		c.Get = func(r *T) codec.Value { return codec.BoolValue(field(r).Bool()) }
		c.Set = func(r *T, v codec.Value) error {
			b, err := v.Bool()
			if err == nil {
				field(r).SetBool(b)
			}
			return err
		}
	}
	return c
}

// fieldDescriptions extracts `jsonschema:"description=..."` values keyed by
// JSON property name.
func fieldDescriptions(t reflect.Type) map[string]string {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schema := r.ReflectFromType(t)
	out := make(map[string]string)
	if schema == nil || schema.Properties == nil {
		return out
	}
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value != nil && pair.Value.Description != "" {
			out[pair.Key] = pair.Value.Description
		}
	}
	return out
}

// jsonFieldName returns the JSON property name for a struct field.
func jsonFieldName(field *reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" || tag == "-" {
		return field.Name
	}
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name
	}
	return field.Name
}
