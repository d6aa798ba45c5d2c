// Package mapping resolves external object types to the strategies that translate them into local entities.
package mapping

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cybertec-postgresql/exchange_sync/internal/validation"
)

// WireObject is an external object keyed by field path. Nested fields use dotted paths
// such as "КлючевыеСвойства.Ссылка".
type WireObject map[string]any

// Entity is the local representation of a mapped external object
type Entity struct {
	Model      string
	Key        string
	Attributes map[string]any
	ModifiedAt time.Time
}

// ObjectMapping translates one external object type in both directions
type ObjectMapping interface {
	ObjectType() string
	ModelClass() string
	MapFrom(ctx context.Context, obj WireObject) (Entity, error)
	MapTo(e Entity) (WireObject, error)
	ValidateStructure(obj WireObject) validation.Result
}

// Identifier is implemented by mappings that can read a record's key and modification time
// without mapping it
type Identifier interface {
	Identify(obj WireObject) (key string, modifiedAt time.Time)
}

// RefResolver answers whether a referenced entity has already been synced
type RefResolver interface {
	Exists(ctx context.Context, model, key string) (bool, error)
}

// ModelResolver answers whether a model class is known to the persistence layer
type ModelResolver interface {
	HasModel(model string) bool
}

// ModelSet is a static ModelResolver
type ModelSet map[string]struct{}

// NewModelSet builds a ModelSet from model names
func NewModelSet(models ...string) ModelSet {
	s := make(ModelSet, len(models))
	for _, m := range models {
		s[m] = struct{}{}
	}
	return s
}

// HasModel implements ModelResolver
func (s ModelSet) HasModel(model string) bool {
	_, ok := s[model]
	return ok
}

// Value returns the value at path. Repeated elements are stored as []any; the first is returned.
func (o WireObject) Value(path string) (any, bool) {
	v, ok := o[path]
	if !ok || v == nil {
		return nil, false
	}
	if list, isList := v.([]any); isList {
		if len(list) == 0 {
			return nil, false
		}
		return list[0], true
	}
	return v, true
}

// String returns the value at path rendered as a string, "" when absent
func (o WireObject) String(path string) string {
	v, ok := o.Value(path)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}
