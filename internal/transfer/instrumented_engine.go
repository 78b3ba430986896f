package transfer

import (
	"context"

	"github.com/9z91/feather/internal/telemetry"
)

// InstrumentedEngine wraps an Engine with telemetry.
type InstrumentedEngine struct {
	engine    Engine
	telemetry *telemetry.Telemetry
}

// NewInstrumentedEngine creates a new instrumented transfer engine.
func NewInstrumentedEngine(engine Engine, tel *telemetry.Telemetry) *InstrumentedEngine {
	return &InstrumentedEngine{
		engine:    engine,
		telemetry: tel,
	}
}

// Start issues a fresh transfer with telemetry.
func (e *InstrumentedEngine) Start(ctx context.Context, taskID, sourceURI string) (*Task, error) {
	var result *Task

	var err error

	instrumentedErr := e.telemetry.InstrumentEngineOperation(ctx, "start", func(ctx context.Context) error {
		result, err = e.engine.Start(ctx, taskID, sourceURI)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// StartFromResumeData continues an interrupted transfer with telemetry.
func (e *InstrumentedEngine) StartFromResumeData(ctx context.Context, data []byte) (*Task, error) {
	var result *Task

	var err error

	instrumentedErr := e.telemetry.InstrumentEngineOperation(ctx, "start_from_resume_data", func(ctx context.Context) error {
		result, err = e.engine.StartFromResumeData(ctx, data)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// Suspend pauses a task with telemetry.
func (e *InstrumentedEngine) Suspend(ctx context.Context, taskID string) error {
	return e.telemetry.InstrumentEngineOperation(ctx, "suspend", func(ctx context.Context) error {
		return e.engine.Suspend(ctx, taskID)
	})
}

// Resume continues a suspended task with telemetry.
func (e *InstrumentedEngine) Resume(ctx context.Context, taskID string) error {
	return e.telemetry.InstrumentEngineOperation(ctx, "resume", func(ctx context.Context) error {
		return e.engine.Resume(ctx, taskID)
	})
}

// Cancel stops a task with telemetry.
func (e *InstrumentedEngine) Cancel(ctx context.Context, taskID string) error {
	return e.telemetry.InstrumentEngineOperation(ctx, "cancel", func(ctx context.Context) error {
		return e.engine.Cancel(ctx, taskID)
	})
}

// Tasks enumerates live tasks with telemetry.
func (e *InstrumentedEngine) Tasks(ctx context.Context) ([]*Task, error) {
	var result []*Task

	var err error

	instrumentedErr := e.telemetry.InstrumentEngineOperation(ctx, "tasks", func(ctx context.Context) error {
		result, err = e.engine.Tasks(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// Events yields the wrapped engine's event stream.
func (e *InstrumentedEngine) Events() <-chan Event {
	return e.engine.Events()
}
