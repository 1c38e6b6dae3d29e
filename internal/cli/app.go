package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/PipeOpsHQ/agent-recorder/evaluation"
	"github.com/PipeOpsHQ/agent-recorder/internal/config"
	"github.com/PipeOpsHQ/agent-recorder/observe"
	otelsink "github.com/PipeOpsHQ/agent-recorder/observe/otel"
	"github.com/PipeOpsHQ/agent-recorder/observe/store"
	tracesqlite "github.com/PipeOpsHQ/agent-recorder/observe/store/sqlite"
	"github.com/PipeOpsHQ/agent-recorder/recorder"
	"github.com/PipeOpsHQ/agent-recorder/state"
	"github.com/PipeOpsHQ/agent-recorder/state/factory"
	"github.com/PipeOpsHQ/agent-recorder/usage"
)

// app holds the dependencies a command opens lazily. Everything opened is
// released by close.
type app struct {
	stdout io.Writer
	stderr io.Writer

	cfg    config.Config
	logger *slog.Logger

	store    state.Store
	traces   *tracesqlite.Store
	async    *observe.AsyncSink
	tracerTP *sdktrace.TracerProvider
	closers  []func() error
}

func (a *app) configure(files ...string) error {
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = cfg.NewLogger(a.stderr)
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) openStore(ctx context.Context) (state.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := factory.New(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	return s, nil
}

func (a *app) openTraces() (*tracesqlite.Store, error) {
	if a.traces != nil {
		return a.traces, nil
	}
	t, err := tracesqlite.New(a.cfg.TraceDB)
	if err != nil {
		return nil, fmt.Errorf("open trace store: %w", err)
	}
	a.traces = t
	a.closers = append(a.closers, t.Close)
	return t, nil
}

// observer fans lifecycle events out to the log, the trace store, and
// OpenTelemetry when enabled. Trace writes happen off the run's goroutine.
func (a *app) observer() (observe.Sink, error) {
	if a.async != nil {
		return a.async, nil
	}
	traces, err := a.openTraces()
	if err != nil {
		return nil, err
	}
	sinks := []observe.Sink{observe.NewLogSink(a.logger), store.Sink(traces)}
	if a.cfg.OTelEnabled {
		a.tracerTP = sdktrace.NewTracerProvider()
		otel.SetTracerProvider(a.tracerTP)
		sinks = append(sinks, otelsink.NewSink(otel.GetTracerProvider()))
	}
	a.async = observe.NewAsyncSink(observe.NewMultiSink(sinks...), 256)
	return a.async, nil
}

func (a *app) coster() (usage.Coster, error) {
	if a.cfg.PricingFile == "" {
		return usage.NewPriceTable(nil), nil
	}
	return usage.LoadPriceTable(a.cfg.PricingFile)
}

func (a *app) recorder(ctx context.Context) (*recorder.Recorder, error) {
	s, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	obs, err := a.observer()
	if err != nil {
		return nil, err
	}
	return recorder.New(s,
		recorder.WithObserver(obs),
		recorder.WithLogger(a.logger),
		recorder.WithRetryPolicy(recorder.RetryPolicy{MaxAttempts: a.cfg.PersistRetries}),
	)
}

func (a *app) dispatcher(ctx context.Context, registry *evaluation.Registry) (*evaluation.Dispatcher, error) {
	s, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	obs, err := a.observer()
	if err != nil {
		return nil, err
	}
	return evaluation.NewDispatcher(s, registry,
		evaluation.WithObserver(obs),
		evaluation.WithLogger(a.logger),
		evaluation.WithTimeout(a.cfg.EvalTimeout),
	)
}

func (a *app) close() error {
	if a.async != nil {
		// drain queued events before the trace store closes
		a.async.Close()
		a.async = nil
	}
	var errs []error
	if a.tracerTP != nil {
		errs = append(errs, a.tracerTP.Shutdown(context.Background()))
		a.tracerTP = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	a.store = nil
	a.traces = nil
	return errors.Join(errs...)
}
