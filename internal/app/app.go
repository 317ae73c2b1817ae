package app

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/vk/deltastore/internal/scenario"
)

// App encapsulates the runner's dependencies, configuration, and lifecycle.
type App struct {
	outW       io.Writer
	logger     *slog.Logger
	config     *Config
	scenario   *scenario.Scenario
	httpServer *http.Server
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger and the parsed
// scenario.
func NewApp(outW io.Writer, cfg *Config) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	scn, err := scenario.Load(cfg.ScenarioPath)
	if err != nil {
		// A failure to load the scenario is a fatal startup error.
		panic(fmt.Errorf("failed to load scenario: %w", err))
	}
	logger.Debug("Scenario loaded.", "steps", len(scn.Steps))

	return &App{
		outW:     outW,
		logger:   logger,
		config:   cfg,
		scenario: scn,
	}
}

// Scenario returns the parsed scenario. This is primarily for testing.
func (a *App) Scenario() *scenario.Scenario {
	return a.scenario
}
