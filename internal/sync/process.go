package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/exchange_sync/internal/mapping"
	"github.com/cybertec-postgresql/exchange_sync/internal/store"
	"github.com/cybertec-postgresql/exchange_sync/internal/syncerr"
)

// Outcome is what happened to a single record
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeFatal     Outcome = "fatal"
	OutcomeCancelled Outcome = "cancelled"
)

// Succeeded reports whether the record is durably stored
func (o Outcome) Succeeded() bool {
	return o == OutcomeCreated || o == OutcomeUpdated || o == OutcomeUnchanged
}

type recordResult struct {
	outcome    Outcome
	externalID string
	objectType string
	modifiedAt time.Time
	err        error
}

// processRecord maps and stores one record. It never touches the change log, so the
// caller decides what a retryable failure means in its context.
func (s *Service) processRecord(ctx context.Context, entityType string, obj mapping.WireObject) recordResult {
	res := recordResult{}
	objectType, ok := s.source.ObjectType(entityType)
	if !ok {
		res.outcome, res.err = OutcomeFatal, fmt.Errorf("entity type %s has no source", entityType)
		return res
	}
	res.objectType = objectType

	m, ok := s.registry.Mapping(objectType)
	if !ok {
		res.err = syncerr.MappingNotFound(objectType)
		if s.registry.IsPriority(objectType) {
			res.outcome = OutcomeFatal
		} else {
			res.outcome = OutcomeSkipped
		}
		return res
	}
	if id, isIdentifier := m.(mapping.Identifier); isIdentifier {
		res.externalID, res.modifiedAt = id.Identify(obj)
	}

	vr := m.ValidateStructure(obj)
	if !vr.IsValid() {
		res.outcome, res.err = OutcomeInvalid, vr.Err()
		return res
	}
	if vr.HasWarnings() {
		s.logger.WithFields(logrus.Fields{
			"entity":      entityType,
			"external_id": res.externalID,
			"warnings":    vr.Warnings(),
		}).Debug("Record has validation warnings")
	}

	entity, err := m.MapFrom(ctx, obj)
	if err != nil {
		res.outcome, res.err = classifyFailure(err), err
		return res
	}
	if !entity.ModifiedAt.IsZero() {
		res.modifiedAt = entity.ModifiedAt
	}
	res.externalID = entity.Key

	result, err := s.entities.Upsert(ctx, entity)
	if err != nil {
		res.outcome, res.err = classifyFailure(err), err
		return res
	}
	switch result {
	case store.Created:
		res.outcome = OutcomeCreated
	case store.Updated:
		res.outcome = OutcomeUpdated
	default:
		res.outcome = OutcomeUnchanged
	}
	return res
}

func classifyFailure(err error) Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeCancelled
	}
	switch k := syncerr.Classify(err); {
	case k == syncerr.KindValidation:
		return OutcomeInvalid
	case k == syncerr.KindMappingNotFound, k == syncerr.KindInvalidMapping:
		return OutcomeFatal
	case k.Retryable():
		return OutcomeRetry
	default:
		return OutcomeFailed
	}
}
