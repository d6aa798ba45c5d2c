package enterprisedata

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/exchange_sync/internal/mapping"
	"github.com/cybertec-postgresql/exchange_sync/internal/store"
	"github.com/cybertec-postgresql/exchange_sync/internal/syncerr"
	"github.com/cybertec-postgresql/exchange_sync/internal/validation"
)

// Registry resolves object types to mappings
type Registry interface {
	Mapping(objectType string) (mapping.ObjectMapping, bool)
	IsPriority(objectType string) bool
}

// EntityStore persists mapped entities
type EntityStore interface {
	Upsert(ctx context.Context, e mapping.Entity) (store.UpsertResult, error)
}

// Report summarizes an import
type Report struct {
	Header    Header
	Objects   int
	Created   int
	Updated   int
	Unchanged int
	Skipped   int
	Invalid   int
	// Deferred objects reference entities that are neither stored nor part of the message
	Deferred   int
	Validation validation.Result
}

type pending struct {
	obj     Object
	mapping mapping.ObjectMapping
	key     string
}

// Import decodes a message from r and stores every mappable object. Objects whose references
// appear later in the same message are retried until a round makes no progress.
// Only storage failures and priority types without a mapping abort the import.
func Import(ctx context.Context, reg Registry, entities EntityStore, r io.Reader) (*Report, error) {
	msg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	report := &Report{Header: msg.Header, Objects: len(msg.Objects)}
	logger := logrus.WithFields(logrus.Fields{
		"component":  "enterprisedata",
		"from":       msg.Header.From,
		"message_no": msg.Header.MessageNo,
	})

	var queue []pending
	for _, obj := range msg.Objects {
		m, ok := reg.Mapping(obj.Type)
		if !ok {
			if reg.IsPriority(obj.Type) {
				return report, syncerr.MappingNotFound(obj.Type)
			}
			report.Skipped++
			report.Validation = report.Validation.Merge(validation.WithSingleWarning(
				fmt.Sprintf("%s: no mapping, object skipped", obj.Type)))
			continue
		}
		vr := m.ValidateStructure(obj.Fields)
		key, _ := vr.ContextValue("key")
		report.Validation = report.Validation.Merge(prefixed(fmt.Sprintf("%s %v", obj.Type, key), vr))
		if !vr.IsValid() {
			report.Invalid++
			continue
		}
		queue = append(queue, pending{obj: obj, mapping: m, key: fmt.Sprint(key)})
	}

	for len(queue) > 0 {
		var deferred []pending
		for _, p := range queue {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			entity, err := p.mapping.MapFrom(ctx, p.obj.Fields)
			if err != nil {
				switch syncerr.KindOf(err) {
				case syncerr.KindDependencyNotReady:
					deferred = append(deferred, p)
				case syncerr.KindValidation:
					report.Invalid++
					report.Validation = report.Validation.Merge(validation.WithSingleError(
						fmt.Sprintf("%s %s: %v", p.obj.Type, p.key, err)))
				default:
					return report, fmt.Errorf("failed to map %s %s: %w", p.obj.Type, p.key, err)
				}
				continue
			}
			result, err := entities.Upsert(ctx, entity)
			if err != nil {
				return report, fmt.Errorf("failed to store %s %s: %w", p.obj.Type, p.key, err)
			}
			switch result {
			case store.Created:
				report.Created++
			case store.Updated:
				report.Updated++
			default:
				report.Unchanged++
			}
		}
		if len(deferred) == len(queue) {
			for _, p := range deferred {
				report.Deferred++
				report.Validation = report.Validation.Merge(validation.WithSingleWarning(
					fmt.Sprintf("%s %s: referenced entity is missing", p.obj.Type, p.key)))
			}
			break
		}
		queue = deferred
	}

	logger.WithFields(logrus.Fields{
		"objects":   report.Objects,
		"created":   report.Created,
		"updated":   report.Updated,
		"unchanged": report.Unchanged,
		"invalid":   report.Invalid,
		"skipped":   report.Skipped,
		"deferred":  report.Deferred,
	}).Info("Message imported")
	return report, nil
}

// Export renders entities as objectType and writes them as one message to w
func Export(ctx context.Context, reg Registry, objectType string, entities []mapping.Entity, w io.Writer) error {
	m, ok := reg.Mapping(objectType)
	if !ok {
		return syncerr.MappingNotFound(objectType)
	}
	objects := make([]Object, 0, len(entities))
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return err
		}
		fields, err := m.MapTo(e)
		if err != nil {
			return fmt.Errorf("failed to render %s %s: %w", e.Model, e.Key, err)
		}
		objects = append(objects, Object{Type: objectType, Fields: fields})
	}
	header := Header{CreationDate: time.Now().UTC()}
	if err := Encode(w, header, objects); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"component":   "enterprisedata",
		"object_type": objectType,
		"objects":     len(objects),
	}).Info("Message exported")
	return nil
}

func prefixed(prefix string, r validation.Result) validation.Result {
	errs := make([]string, 0, len(r.Errors()))
	for _, e := range r.Errors() {
		errs = append(errs, prefix+": "+e)
	}
	warnings := make([]string, 0, len(r.Warnings()))
	for _, w := range r.Warnings() {
		warnings = append(warnings, prefix+": "+w)
	}
	return validation.Failure(errs, warnings, nil)
}
