// Package criteria decides which Action Types apply to an Object Instance.
package criteria

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"metaflow/internal/domain"
	"metaflow/internal/graph"
	"metaflow/internal/metrics"
	"metaflow/internal/repo"
	"metaflow/internal/tracing"
)

const defaultParallelism = 4

// HandlerChecker reports whether a function-backed handler can currently be invoked.
type HandlerChecker interface {
	Available(ctx context.Context, name string) bool
}

type Evaluator struct {
	Repo     repo.Repo
	Graph    graph.Graph
	Handlers HandlerChecker
	Log      *zap.Logger
	Tracer   trace.Tracer
	// Parallelism bounds concurrent candidate evaluation in EvaluateAll.
	Parallelism int
}

func (e Evaluator) tracer() trace.Tracer {
	if e.Tracer == nil {
		return tracing.Noop()
	}
	return e.Tracer
}

func (e Evaluator) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// Evaluate classifies one Action Type against one instance. A function-backed action
// whose handler cannot run is unavailable whatever its criteria say.
func (e Evaluator) Evaluate(ctx context.Context, tenantID string, obj domain.Object, at domain.ActionType) (res domain.Availability, err error) {
	ctx, span := e.tracer().Start(ctx, "criteria.evaluate", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("action_type_id", at.ID),
		attribute.String("object_id", obj.ID),
	))
	defer func() { tracing.End(span, err) }()

	res = domain.Availability{ActionTypeID: at.ID, DisplayName: at.DisplayName}
	passed, reason, err := e.Check(ctx, tenantID, obj, at)
	if err != nil {
		return res, err
	}
	res.CriteriaPassed = passed
	res.FailureReason = reason
	res.Classification = domain.Eligible
	if !passed {
		res.Classification = domain.Blocked
	}
	if at.ExecutionType == domain.FunctionBacked && (e.Handlers == nil || !e.Handlers.Available(ctx, at.Handler)) {
		res.Classification = domain.Unavailable
		if passed {
			res.FailureReason = fmt.Sprintf("handler %s is not registered", at.Handler)
		}
	}
	metrics.CriteriaEvaluations.WithLabelValues(string(res.Classification)).Inc()
	span.SetAttributes(attribute.String("classification", string(res.Classification)))
	return res, nil
}

// Check evaluates the criteria of at for obj and returns the first failing clause.
// Criteria on another Object Type are evaluated on the instances reached through the
// shortest relationship path and pass when any of them passes.
func (e Evaluator) Check(ctx context.Context, tenantID string, obj domain.Object, at domain.ActionType) (bool, string, error) {
	if !at.HasCriteria() {
		return true, "", nil
	}
	typeID := at.CriteriaTypeID()
	subjects := []domain.Object{obj}
	if typeID != obj.ObjectTypeID {
		path, err := e.Graph.FindPath(ctx, tenantID, obj.ObjectTypeID, typeID)
		if err != nil {
			return false, "", err
		}
		subjects, err = e.Graph.Traverse(ctx, tenantID, obj, path)
		if err != nil {
			return false, "", err
		}
		if len(subjects) == 0 {
			return false, fmt.Sprintf("no related %s", typeID), nil
		}
	}
	ct, err := e.Repo.GetObjectType(ctx, tenantID, typeID)
	if err != nil {
		return false, "", repo.AsNotFound(err, "object type", typeID)
	}
	var first string
	for _, subject := range subjects {
		ok, reason := EvaluateClauses(ct, subject, at.Criteria.Clauses)
		if ok {
			return true, "", nil
		}
		if first == "" {
			first = reason
		}
	}
	return false, first, nil
}

// EvaluateAll evaluates every candidate concurrently and returns results in candidate
// order. A candidate whose criteria type cannot be reached is reported unavailable;
// any other error aborts the listing.
func (e Evaluator) EvaluateAll(ctx context.Context, tenantID string, obj domain.Object, candidates []domain.ActionType) ([]domain.Availability, error) {
	results := make([]domain.Availability, len(candidates))
	limit := e.Parallelism
	if limit <= 0 {
		limit = defaultParallelism
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, at := range candidates {
		g.Go(func() error {
			res, err := e.Evaluate(gctx, tenantID, obj, at)
			var unreachable *domain.UnreachableTargetError
			if errors.As(err, &unreachable) {
				e.log().Warn("criteria target unreachable",
					zap.String("tenant_id", tenantID),
					zap.String("action_type_id", at.ID),
					zap.Error(err),
				)
				results[i] = domain.Availability{
					ActionTypeID:   at.ID,
					DisplayName:    at.DisplayName,
					Classification: domain.Unavailable,
					FailureReason:  err.Error(),
				}
				return nil
			}
			if err != nil {
				return fmt.Errorf("evaluate %s: %w", at.ID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
