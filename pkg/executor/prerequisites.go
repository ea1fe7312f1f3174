package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/capstan-io/capstan/pkg/engine"
	"github.com/capstan-io/capstan/pkg/telemetry"
)

// ValidatePrerequisites checks that every prerequisite of d exists. The
// store's cached view is used while fresh; on a miss or a stale entry the
// provider is queried and its answer cached. The first missing
// prerequisite fails with PREREQUISITE_MISSING. With force set the check
// is skipped entirely.
func (e *Executor) ValidatePrerequisites(ctx context.Context, d *engine.Descriptor, force bool) error {
	if force {
		e.logger.WithDescriptorID(d.ID).Warn("Prerequisite validation skipped (force)")
		return nil
	}

	for _, ref := range d.Prerequisites {
		present, err := e.prerequisitePresent(ctx, ref)
		if err != nil {
			return err
		}
		if !present {
			return engine.NewPermanentError(fmt.Sprintf("prerequisite missing: %s", ref), nil).
				WithCode(engine.ErrCodePrerequisiteMissing).
				WithOperation(d.ID).
				WithResource(ref.Key()).
				WithDetail("prerequisite", ref)
		}
	}
	return nil
}

func (e *Executor) prerequisitePresent(ctx context.Context, ref engine.ResourceRef) (bool, error) {
	cached, found, fresh, err := e.store.Get(ctx, ref.Type, ref.Name, ref.Group)
	if err != nil {
		return false, fmt.Errorf("failed to read cache for %s: %w", ref, err)
	}
	if found && fresh {
		present := cached.IsPresent()
		e.metrics.RecordPrerequisiteLookup("cache", present)
		return present, nil
	}

	if e.querier == nil {
		// Without a provider the stale view is the best answer available.
		present := found && cached.IsPresent()
		e.metrics.RecordPrerequisiteLookup("cache", present)
		return present, nil
	}

	live, err := e.query(ctx, ref)
	if errors.Is(err, engine.ErrNotFound) {
		e.metrics.RecordPrerequisiteLookup("provider", false)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := e.store.Upsert(ctx, live); err != nil {
		return false, fmt.Errorf("failed to cache %s: %w", ref, err)
	}
	present := live.IsPresent()
	e.metrics.RecordPrerequisiteLookup("provider", present)
	return present, nil
}

// query asks the provider for ref, recording the call.
func (e *Executor) query(ctx context.Context, ref engine.ResourceRef) (*engine.Resource, error) {
	ctx, span := e.tracer.StartQuerySpan(ctx, ref.Type, ref.Name, ref.Group)
	start := time.Now()
	res, err := e.querier.Query(ctx, ref.Type, ref.Name, ref.Group)
	e.metrics.RecordProviderQuery(time.Since(start), err)
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		telemetry.EndSpan(span, err)
		return nil, engine.NewTransientError(fmt.Sprintf("provider query for %s failed", ref), err).
			WithResource(ref.Key())
	}
	telemetry.EndSpan(span, nil)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, engine.NotFoundf("resource not found: %s", ref).WithResource(ref.Key())
	}
	return res, nil
}
