// Package publishing decorates an annotation store with save events.
package publishing

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/metrics"
)

// EventSaved is the event name attached to published saves.
const EventSaved = "annotation.saved"

// Store publishes an annotator.AnnotationSaved after every successful upsert.
// Publishing is best effort: the write is already durable when it runs, so a
// publish failure is logged and never returned.
type Store struct {
	annotator.Store
	publisher annotator.Publisher
	ids       annotator.IDGenerator
	clock     annotator.Clock
	logger    *zap.Logger
}

// New wraps inner. publisher may be nil, in which case only metrics are kept.
func New(
	inner annotator.Store,
	publisher annotator.Publisher,
	ids annotator.IDGenerator,
	clock annotator.Clock,
	logger *zap.Logger,
) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{Store: inner, publisher: publisher, ids: ids, clock: clock, logger: logger.Named("publishing")}
}

// Upsert writes through to the wrapped store.
func (s *Store) Upsert(
	ctx context.Context,
	rowID string,
	values map[string]string,
	reviewer string,
) (annotator.UpsertResult, error) {
	res, err := s.Store.Upsert(ctx, rowID, values, reviewer)
	if err != nil {
		if !errors.Is(err, annotator.ErrRowNotFound) {
			metrics.ObserveSave("error")
		}
		return res, err
	}
	if res.Conflict() != nil {
		metrics.ObserveSave("conflict")
	} else {
		metrics.ObserveSave("ok")
	}
	if s.publisher != nil {
		s.publish(ctx, res)
	}
	return res, nil
}

func (s *Store) publish(ctx context.Context, res annotator.UpsertResult) {
	event := annotator.AnnotationSaved{
		RowID:     res.Record.RowID,
		Annotator: res.Record.Annotator,
		Previous:  res.Previous,
		Values:    annotator.CloneValues(res.Record.Values),
	}
	if s.ids != nil {
		id, err := s.ids.NewID()
		if err != nil {
			s.logger.Warn("generate event id", zap.Error(err))
		}
		event.ID = id
	}
	if s.clock != nil {
		event.SavedAt = s.clock.Now()
	}
	msgID, err := s.publisher.Publish(context.WithoutCancel(ctx), EventSaved, event)
	if err != nil {
		s.logger.Warn("publish annotation event", zap.String("row_id", event.RowID), zap.Error(err))
		return
	}
	s.logger.Debug("annotation event published", zap.String("row_id", event.RowID), zap.String("message_id", msgID))
}
