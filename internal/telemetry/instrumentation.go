package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes are limited to bounded-cardinality values (operation names,
// status strings, component names). Task ids, URIs and file paths stay out of
// attributes and live in logs, correlated through trace ids.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with telemetry.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)

	return err
}

// InstrumentEngineOperation instruments transfer engine operations.
func (t *Telemetry) InstrumentEngineOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "engine_"+operation, "engine", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordEngineOperation(operation, status)

	return err
}

// InstrumentJournalOperation instruments task journal operations.
func (t *Telemetry) InstrumentJournalOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "journal_"+operation, "journal", fn)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordJournalOperation(operation, status, duration)

	return err
}

// InstrumentPipeline instruments one post-processing pipeline invocation.
func (t *Telemetry) InstrumentPipeline(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "pipeline_handle", "pipeline", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordPipelineOperation(status)

	return err
}
