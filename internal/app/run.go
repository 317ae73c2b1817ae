package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/deltastore"
	"github.com/vk/deltastore/internal/ctxlog"
	"github.com/vk/deltastore/metrics"
)

// Run executes the loaded scenario against a fresh store: every step becomes
// a set-path action submitted with the step's strategy, throttle and
// dependencies, and Run waits for all of them to settle.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	diffPolicy, err := diffPolicyFromString(a.config.DiffPolicy)
	if err != nil {
		return err
	}

	store := deltastore.New(a.scenario.Model,
		deltastore.WithLogger[cty.Value](a.logger),
		deltastore.WithDiffPolicy[cty.Value](diffPolicy),
	)
	defer store.Close()

	registry := prometheus.NewRegistry()
	collector := metrics.NewTransactionCollector(registry)
	store.RegisterMiddleware(collector)
	unsubscribe := store.OnDiff(collector.DiffPublished)
	defer unsubscribe()

	if a.config.MetricsPort > 0 {
		a.startMetricsServer(a.config.MetricsPort, registry)
		defer a.closeMetricsServer(ctx)
	}

	if len(a.scenario.Steps) == 0 {
		a.logger.Warn("No steps found in scenario, execution not required.")
		return nil
	}

	a.logger.Info("🚀 Starting scenario execution...", "steps", len(a.scenario.Steps))

	handles := make(map[string]deltastore.Handle, len(a.scenario.Steps))
	order := make([]string, 0, len(a.scenario.Steps))
	for _, step := range a.scenario.Steps {
		strategy, err := strategyFromString(step.Strategy)
		if err != nil {
			return fmt.Errorf("step %q: %w", step.Name, err)
		}

		opts := []deltastore.RunOption{deltastore.WithStrategy(strategy)}
		if step.ThrottleKey != "" {
			opts = append(opts, deltastore.WithThrottle(step.ThrottleKey, step.ThrottleWindow))
		}
		if len(step.DependsOn) > 0 {
			deps := make([]deltastore.Handle, 0, len(step.DependsOn))
			for _, dep := range step.DependsOn {
				deps = append(deps, handles[dep])
			}
			opts = append(opts, deltastore.After(deps...))
		}

		action := &setPathAction{name: step.Name, path: step.Path, value: step.Value}
		handles[step.Name] = store.Run(ctx, action, opts...)
		order = append(order, step.Name)
	}

	var failed int
	for _, name := range order {
		h := handles[name]
		if err := h.Await(ctx); err != nil {
			if errors.Is(err, deltastore.ErrCancelled) {
				a.logger.Info("Step cancelled.", "step", name, "txn", h.ID())
				continue
			}
			failed++
			a.logger.Error("Step failed.", "step", name, "txn", h.ID(), "error", err)
		}
	}

	a.printFinalState(store)
	a.logger.Info("🏁 Scenario finished.")

	if failed > 0 {
		return fmt.Errorf("scenario finished with %d failed step(s)", failed)
	}
	return nil
}

// printFinalState writes the settled model to the runner's output as sorted
// path/value lines.
func (a *App) printFinalState(store *deltastore.Store[cty.Value]) {
	flat := store.EncodeFlat(context.Background())
	fmt.Fprintln(a.outW, "Final state:")
	for _, path := range flat.Paths() {
		fmt.Fprintf(a.outW, "  %s = %s\n", path, formatValue(flat[path]))
	}
}

func formatValue(v cty.Value) string {
	if v.IsNull() {
		return "null"
	}
	switch v.Type() {
	case cty.String:
		return fmt.Sprintf("%q", v.AsString())
	case cty.Number:
		return v.AsBigFloat().Text('g', -1)
	case cty.Bool:
		if v.True() {
			return "true"
		}
		return "false"
	default:
		return v.GoString()
	}
}
