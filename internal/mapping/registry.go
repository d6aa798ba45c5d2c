package mapping

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/exchange_sync/internal/syncerr"
	"github.com/cybertec-postgresql/exchange_sync/internal/validation"
)

// ErrRegistrySealed is returned by Register once the registration phase is over
var ErrRegistrySealed = errors.New("mapping registry is sealed")

// Registration is one key/mapping pair for bulk registration
type Registration struct {
	Key     string
	Mapping ObjectMapping
}

// Conflict is a registered key that matches a given object type
type Conflict struct {
	Key  string
	Kind MatchKind
}

// Statistics summarizes registry contents
type Statistics struct {
	Total                  int
	Exact                  int
	Pattern                int
	PriorityTypes          int
	PriorityRegistered     int
	PriorityCompletionRate float64
}

type entry struct {
	matcher Matcher
	mapping ObjectMapping
}

// Registry maps external object types to mappings. Exact keys always win over patterns;
// among patterns the earliest registration wins.
type Registry struct {
	mu       sync.RWMutex
	name     string
	exact    map[string]ObjectMapping
	entries  []entry
	priority []string
	models   ModelResolver
	sealed   bool
}

// NewRegistry creates an empty registry. priority lists the object types that must have an
// exact mapping before the registry is complete; models may be nil to skip model checks.
func NewRegistry(name string, priority []string, models ModelResolver) *Registry {
	return &Registry{
		name:     name,
		exact:    make(map[string]ObjectMapping),
		priority: slices.Clone(priority),
		models:   models,
	}
}

// Register associates key with m. Registering an existing key again overwrites it in place
// and logs a warning.
func (r *Registry) Register(key string, m ObjectMapping) error {
	if m == nil {
		return syncerr.InvalidMapping("mapping for key %q is nil", key)
	}
	if key == "" {
		return syncerr.InvalidMapping("empty registration key for %T", m)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("register %q: %w", key, ErrRegistrySealed)
	}

	matcher := NewMatcher(key)
	if i := r.indexOf(key); i >= 0 {
		logrus.WithFields(logrus.Fields{
			"registry": r.name,
			"key":      key,
			"previous": r.entries[i].mapping.ObjectType(),
			"mapping":  m.ObjectType(),
		}).Warn("Overwriting existing mapping registration")
		r.entries[i].mapping = m
	} else {
		r.entries = append(r.entries, entry{matcher: matcher, mapping: m})
	}
	if matcher.Kind == MatchExact {
		r.exact[key] = m
	}
	return nil
}

// RegisterAll registers every pair in order and stops at the first invalid one
func (r *Registry) RegisterAll(regs []Registration) error {
	for _, reg := range regs {
		if reg.Mapping == nil || reg.Mapping.ObjectType() == "" {
			return syncerr.InvalidMapping("registration %q is not a valid mapping", reg.Key)
		}
		if err := r.Register(reg.Key, reg.Mapping); err != nil {
			return err
		}
	}
	return nil
}

// Seal ends the registration phase
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Mapping returns the mapping for objectType
func (r *Registry) Mapping(objectType string) (ObjectMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.exact[objectType]; ok {
		return m, true
	}
	for _, e := range r.entries {
		if e.matcher.Kind == MatchPattern && e.matcher.Matches(objectType) {
			return e.mapping, true
		}
	}
	return nil, false
}

// Has reports whether any registration resolves objectType
func (r *Registry) Has(objectType string) bool {
	_, ok := r.Mapping(objectType)
	return ok
}

// IsPriority reports exact membership in the priority list
func (r *Registry) IsPriority(objectType string) bool {
	return slices.Contains(r.priority, objectType)
}

// PriorityTypes returns the configured priority list
func (r *Registry) PriorityTypes() []string {
	return slices.Clone(r.priority)
}

// MissingPriority returns priority types without any resolving mapping
func (r *Registry) MissingPriority() []string {
	var missing []string
	for _, t := range r.priority {
		if !r.Has(t) {
			missing = append(missing, t)
		}
	}
	return missing
}

// Statistics counts registrations and the share of priority types registered exactly
func (r *Registry) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Statistics{Total: len(r.entries), PriorityTypes: len(r.priority)}
	for _, e := range r.entries {
		if e.matcher.Kind == MatchPattern {
			s.Pattern++
		} else {
			s.Exact++
		}
	}
	for _, t := range r.priority {
		if _, ok := r.exact[t]; ok {
			s.PriorityRegistered++
		}
	}
	if s.PriorityTypes > 0 {
		rate := float64(s.PriorityRegistered) / float64(s.PriorityTypes) * 100
		s.PriorityCompletionRate = math.Round(rate*100) / 100
	}
	return s
}

// Validate checks the registry: an object type claimed by several keys and an unknown model
// class are errors, missing priority mappings are a warning.
func (r *Registry) Validate() validation.Result {
	r.mu.RLock()
	claimed := make(map[string][]string)
	var order []string
	result := validation.Success()
	for _, e := range r.entries {
		t := e.mapping.ObjectType()
		if _, seen := claimed[t]; !seen {
			order = append(order, t)
		}
		claimed[t] = append(claimed[t], e.matcher.Key)
		if r.models != nil && !r.models.HasModel(e.mapping.ModelClass()) {
			result = result.AddError(fmt.Sprintf("mapping %q declares unknown model class %q", e.matcher.Key, e.mapping.ModelClass()))
		}
	}
	r.mu.RUnlock()

	for _, t := range order {
		if keys := claimed[t]; len(keys) > 1 {
			result = result.AddError(fmt.Sprintf("object type %q is registered under multiple keys: %s", t, strings.Join(keys, ", ")))
		}
	}
	if missing := r.MissingPriority(); len(missing) > 0 {
		result = result.AddWarning("missing priority mappings: " + strings.Join(missing, ", "))
	}
	return result.AddContext("registry", r.name).AddContext("statistics", r.Statistics())
}

// Conflicts lists every registered key that would match objectType, in registration order
func (r *Registry) Conflicts(objectType string) []Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Conflict
	for _, e := range r.entries {
		if e.matcher.Matches(objectType) {
			out = append(out, Conflict{Key: e.matcher.Key, Kind: e.matcher.Kind})
		}
	}
	return out
}

func (r *Registry) indexOf(key string) int {
	return slices.IndexFunc(r.entries, func(e entry) bool { return e.matcher.Key == key })
}
