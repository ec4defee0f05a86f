// Package dispatch executes Action Types: declarative rules through the rule kind
// registry and function-backed actions through named handlers.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"metaflow/internal/criteria"
	"metaflow/internal/domain"
	"metaflow/internal/events"
	"metaflow/internal/metrics"
	"metaflow/internal/objects"
	"metaflow/internal/proptype"
	"metaflow/internal/repo"
	"metaflow/internal/tracing"
)

const defaultHandlerTimeout = 30 * time.Second

// Request is one execute_action call.
type Request struct {
	TenantID     string
	ActionTypeID string
	ActorID      string
	Parameters   map[string]any
	// Atomic runs every rule in one transaction that is rolled back when a rule fails.
	Atomic bool
}

type Dispatcher struct {
	Repo           repo.Repo
	Objects        objects.Store
	Evaluator      criteria.Evaluator
	Rules          *Rules
	Handlers       *Handlers
	Events         events.Writer
	Log            *zap.Logger
	Tracer         trace.Tracer
	HandlerTimeout time.Duration
}

func (d Dispatcher) log() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

func (d Dispatcher) tracer() trace.Tracer {
	if d.Tracer == nil {
		return tracing.Noop()
	}
	return d.Tracer
}

// Execute authorizes, validates and runs an action. Rule and handler failures are
// reported in the result envelope; structural failures are returned as errors.
func (d Dispatcher) Execute(ctx context.Context, req Request) (res domain.ActionResult, err error) {
	ctx, span := d.tracer().Start(ctx, "action.execute", trace.WithAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("action_type_id", req.ActionTypeID),
	))
	defer func() { tracing.End(span, err) }()

	at, err := d.Repo.GetActionType(ctx, req.TenantID, req.ActionTypeID)
	if err != nil {
		return res, repo.AsNotFound(err, "action type", req.ActionTypeID)
	}

	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.ActionExecutions.WithLabelValues(string(at.ExecutionType), outcome).Inc()
		metrics.ActionDuration.WithLabelValues(string(at.ExecutionType)).Observe(time.Since(start).Seconds())
	}()

	target, issues, err := d.resolveTarget(ctx, req, at)
	if err != nil {
		return res, err
	}
	if target != nil {
		avail, err := d.Evaluator.Evaluate(ctx, req.TenantID, *target, at)
		if err != nil {
			return res, err
		}
		if avail.Classification != domain.Eligible {
			outcome = "rejected"
			kind := "criteria"
			if avail.Classification == domain.Unavailable {
				kind = "unavailable"
			}
			res = domain.ActionResult{Errors: []domain.RuleFailure{{Index: -1, Kind: kind, Message: avail.FailureReason}}}
			d.record(ctx, req, at, target, res)
			return res, nil
		}
	}

	params, err := ValidateParameters(at, req.Parameters, issues...)
	if err != nil {
		outcome = "invalid"
		return res, err
	}

	switch at.ExecutionType {
	case domain.FunctionBacked:
		res, err = d.invoke(ctx, req, at, target, params)
	default:
		res, err = d.runRules(ctx, req, at, target, params)
	}
	if err != nil {
		return res, err
	}
	outcome = "success"
	if !res.Success {
		outcome = "failed"
	}
	d.record(ctx, req, at, target, res)
	return res, nil
}

// resolveTarget loads the instance named by the objectId parameter. Problems with the
// parameter itself are returned as issues so they are reported with the others.
func (d Dispatcher) resolveTarget(ctx context.Context, req Request, at domain.ActionType) (*domain.Object, []domain.ParameterIssue, error) {
	raw, ok := req.Parameters[domain.TargetParam]
	if !ok || raw == nil {
		if at.HasCriteria() {
			return nil, []domain.ParameterIssue{{Name: domain.TargetParam, Reason: "required"}}, nil
		}
		return nil, nil, nil
	}
	id, isString := raw.(string)
	if !isString || id == "" {
		return nil, []domain.ParameterIssue{{
			Name:   domain.TargetParam,
			Reason: "type mismatch: expected reference, got " + proptype.Describe(raw),
		}}, nil
	}
	obj, err := d.Repo.GetObject(ctx, req.TenantID, id)
	if err != nil {
		return nil, nil, repo.AsNotFound(err, "object", id)
	}
	if at.ObjectTypeID != "" && obj.ObjectTypeID != at.ObjectTypeID {
		return nil, []domain.ParameterIssue{{
			Name:   domain.TargetParam,
			Reason: fmt.Sprintf("object %s is a %s, the action applies to %s", id, obj.ObjectTypeID, at.ObjectTypeID),
		}}, nil
	}
	return &obj, nil, nil
}

func (d Dispatcher) runRules(ctx context.Context, req Request, at domain.ActionType, target *domain.Object, params map[string]any) (domain.ActionResult, error) {
	rc := &RuleContext{
		TenantID: req.TenantID,
		ActorID:  req.ActorID,
		Action:   at,
		Target:   target,
		Params:   params,
		Repo:     d.Repo,
		Objects:  d.Objects,
	}
	var shared *sql.Tx
	if req.Atomic {
		tx, err := d.Repo.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.ActionResult{}, err
		}
		defer tx.Rollback()
		shared = tx
	}

	applied := 0
	var failure *domain.RuleFailure
	for i, rule := range at.Rules {
		kind, ok := d.Rules.Lookup(rule.Kind)
		if !ok {
			failure = &domain.RuleFailure{Index: i, Kind: rule.Kind, Message: fmt.Sprintf("unknown rule kind %q", rule.Kind)}
			break
		}
		err := d.Repo.WithTx(ctx, shared, func(tx *sql.Tx) error {
			rc.Tx = tx
			return kind.Apply(ctx, rc, rule.Raw)
		})
		rc.Tx = nil
		if err != nil {
			if ctx.Err() != nil {
				return domain.ActionResult{}, &domain.DependencyTimeoutError{Op: "rule " + rule.Kind, Err: err}
			}
			d.log().Info("rule failed",
				zap.String("tenant_id", req.TenantID),
				zap.String("action_type_id", at.ID),
				zap.Int("index", i),
				zap.String("kind", rule.Kind),
				zap.Error(err),
			)
			failure = &domain.RuleFailure{Index: i, Kind: rule.Kind, Message: err.Error()}
			break
		}
		applied++
	}

	result := map[string]any{"rulesApplied": applied}
	if target != nil {
		result["objectId"] = target.ID
	}
	if len(rc.Created) > 0 {
		result["created"] = rc.Created
	}
	if shared != nil {
		if failure == nil {
			if err := shared.Commit(); err != nil {
				return domain.ActionResult{}, err
			}
		} else {
			result["rolledBack"] = true
			delete(result, "created")
		}
	}
	if failure != nil {
		return domain.ActionResult{Success: false, Result: result, Errors: []domain.RuleFailure{*failure}}, nil
	}
	return domain.ActionResult{Success: true, Result: result}, nil
}

func (d Dispatcher) invoke(ctx context.Context, req Request, at domain.ActionType, target *domain.Object, params map[string]any) (domain.ActionResult, error) {
	h, ok := d.Handlers.Lookup(at.Handler)
	if !ok {
		return domain.ActionResult{Errors: []domain.RuleFailure{{
			Index: -1, Kind: "unavailable", Message: fmt.Sprintf("handler %s is not registered", at.Handler),
		}}}, nil
	}
	timeout := d.HandlerTimeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	delete(params, domain.TargetParam)
	inv := Invocation{
		TenantID:     req.TenantID,
		ActionTypeID: at.ID,
		ActorID:      req.ActorID,
		Parameters:   params,
		Target:       target,
	}
	type reply struct {
		out any
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := h.Invoke(hctx, inv)
		done <- reply{out: out, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return domain.ActionResult{}, &domain.DependencyTimeoutError{Op: "handler " + at.Handler, Err: r.err}
			}
			return domain.ActionResult{Errors: []domain.RuleFailure{{Index: 0, Kind: "handler", Message: r.err.Error()}}}, nil
		}
		return domain.ActionResult{Success: true, Result: r.out}, nil
	case <-hctx.Done():
		d.log().Warn("handler deadline exceeded",
			zap.String("tenant_id", req.TenantID),
			zap.String("handler", at.Handler),
			zap.Duration("timeout", timeout),
		)
		return domain.ActionResult{}, &domain.DependencyTimeoutError{Op: "handler " + at.Handler, Err: hctx.Err()}
	}
}

func (d Dispatcher) record(ctx context.Context, req Request, at domain.ActionType, target *domain.Object, res domain.ActionResult) {
	payload := events.EventPayload{
		"actionTypeId": at.ID,
		"success":      res.Success,
		"atomic":       req.Atomic,
	}
	if target != nil {
		payload["objectId"] = target.ID
	}
	if len(res.Errors) > 0 {
		payload["errors"] = res.Errors
	}
	if err := d.Events.Append(ctx, nil, "action.executed", req.TenantID, "action_type", at.ID, req.ActorID, payload); err != nil {
		d.log().Error("record action event", zap.String("action_type_id", at.ID), zap.Error(err))
	}
}
