package mapping

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cybertec-postgresql/exchange_sync/internal/syncerr"
	"github.com/cybertec-postgresql/exchange_sync/internal/validation"
)

// FieldKind selects how a wire value is converted
type FieldKind int

const (
	FieldString FieldKind = iota
	FieldInt
	FieldFloat
	FieldBool
	FieldTime
	FieldRef
)

// timeLayouts are tried in order; external systems disagree on zone suffixes
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Field declares one attribute of a FieldMapping
type Field struct {
	Wire        string
	Attr        string
	Kind        FieldKind
	Required    bool
	Recommended bool
	RefModel    string // model of the referenced entity for FieldRef
}

// FieldMapping is a declarative ObjectMapping driven by a field list
type FieldMapping struct {
	Type          string
	Model         string
	KeyField      string
	ModifiedField string
	Fields        []Field
	Refs          RefResolver
}

// ObjectType implements ObjectMapping
func (m *FieldMapping) ObjectType() string { return m.Type }

// ModelClass implements ObjectMapping
func (m *FieldMapping) ModelClass() string { return m.Model }

// Identify implements Identifier. A missing or malformed modification time yields the zero time.
func (m *FieldMapping) Identify(obj WireObject) (string, time.Time) {
	key := obj.String(m.KeyField)
	if m.ModifiedField == "" {
		return key, time.Time{}
	}
	raw, ok := obj.Value(m.ModifiedField)
	if !ok {
		return key, time.Time{}
	}
	t, _ := ParseTime(raw)
	return key, t
}

// ValidateStructure checks presence and convertibility of declared fields
func (m *FieldMapping) ValidateStructure(obj WireObject) validation.Result {
	key := obj.String(m.KeyField)
	result := validation.FromConditions([]validation.Condition{
		{OK: obj != nil, Message: "object is empty"},
		{OK: key != "", Message: fmt.Sprintf("key field %s is missing", m.KeyField)},
	})
	if m.ModifiedField != "" {
		if raw, ok := obj.Value(m.ModifiedField); ok {
			if _, err := ParseTime(raw); err != nil {
				result = result.AddError(fmt.Sprintf("field %s: %v", m.ModifiedField, err))
			}
		}
	}
	for _, f := range m.Fields {
		raw, ok := f.value(obj)
		if !ok {
			switch {
			case f.Required:
				result = result.AddError(fmt.Sprintf("required field %s is missing", f.Wire))
			case f.Recommended:
				result = result.AddWarning(fmt.Sprintf("recommended field %s is empty", f.Wire))
			}
			continue
		}
		if _, err := convert(f.Kind, raw); err != nil {
			result = result.AddError(fmt.Sprintf("field %s: %v", f.Wire, err))
		}
	}
	return result.AddContext("object_type", m.Type).AddContext("key", key)
}

// MapFrom converts obj into an entity. Validation failures are not retryable; a missing
// referenced entity is reported as DependencyNotReady.
func (m *FieldMapping) MapFrom(ctx context.Context, obj WireObject) (Entity, error) {
	if res := m.ValidateStructure(obj); !res.IsValid() {
		return Entity{}, res.Err()
	}
	e := Entity{
		Model:      m.Model,
		Key:        obj.String(m.KeyField),
		Attributes: make(map[string]any, len(m.Fields)),
	}
	if m.ModifiedField != "" {
		if raw, ok := obj.Value(m.ModifiedField); ok {
			e.ModifiedAt, _ = ParseTime(raw)
		}
	}
	for _, f := range m.Fields {
		raw, ok := f.value(obj)
		if !ok {
			continue
		}
		v, err := convert(f.Kind, raw)
		if err != nil {
			return Entity{}, syncerr.Validation("field %s: %v", f.Wire, err)
		}
		if f.Kind == FieldRef {
			if err := m.checkRef(ctx, f, v.(string)); err != nil {
				return Entity{}, err
			}
		}
		e.Attributes[f.Attr] = v
	}
	return e, nil
}

// MapTo renders e back into the wire representation
func (m *FieldMapping) MapTo(e Entity) (WireObject, error) {
	if e.Model != m.Model {
		return nil, syncerr.Validation("entity model %q cannot be mapped to %s", e.Model, m.Type)
	}
	if e.Key == "" {
		return nil, syncerr.Validation("entity of model %s has no key", e.Model)
	}
	obj := WireObject{m.KeyField: e.Key}
	if m.ModifiedField != "" && !e.ModifiedAt.IsZero() {
		obj[m.ModifiedField] = e.ModifiedAt.Format(time.RFC3339)
	}
	for _, f := range m.Fields {
		v, ok := e.Attributes[f.Attr]
		if !ok || v == nil {
			continue
		}
		obj[f.Wire] = format(v)
	}
	return obj, nil
}

// value returns the raw value of f. Empty strings are absent, and so is the id 0 that
// Bitrix24 sends for an unlinked reference.
func (f Field) value(obj WireObject) (any, bool) {
	raw, ok := obj.Value(f.Wire)
	if !ok {
		return nil, false
	}
	s := strings.TrimSpace(obj.String(f.Wire))
	if s == "" || (f.Kind == FieldRef && s == "0") {
		return nil, false
	}
	return raw, true
}

func (m *FieldMapping) checkRef(ctx context.Context, f Field, key string) error {
	if m.Refs == nil {
		return nil
	}
	exists, err := m.Refs.Exists(ctx, f.RefModel, key)
	if err != nil {
		return syncerr.Transient(err, "resolve %s %s", f.RefModel, key)
	}
	if !exists {
		return syncerr.DependencyNotReady("%s %s referenced by %s is not synced yet", f.RefModel, key, f.Wire)
	}
	return nil
}

func convert(kind FieldKind, raw any) (any, error) {
	switch kind {
	case FieldInt:
		switch v := raw.(type) {
		case float64:
			return int64(v), nil
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		default:
			n, err := strconv.ParseInt(strings.TrimSpace(fmt.Sprint(v)), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("not an integer: %q", v)
			}
			return n, nil
		}
	case FieldFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		default:
			s := strings.ReplaceAll(strings.TrimSpace(fmt.Sprint(v)), ",", ".")
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("not a number: %q", v)
			}
			return f, nil
		}
	case FieldBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		default:
			switch strings.ToLower(strings.TrimSpace(fmt.Sprint(v))) {
			case "y", "true", "1", "да":
				return true, nil
			case "n", "false", "0", "нет":
				return false, nil
			}
			return nil, fmt.Errorf("not a boolean: %q", v)
		}
	case FieldTime:
		return ParseTime(raw)
	default:
		switch v := raw.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		default:
			return fmt.Sprint(v), nil
		}
	}
}

// ParseTime reads a timestamp in any of the layouts used by the external systems
func ParseTime(raw any) (time.Time, error) {
	if t, ok := raw.(time.Time); ok {
		return t, nil
	}
	s := strings.TrimSpace(fmt.Sprint(raw))
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("not a timestamp: %q", s)
}

func format(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
