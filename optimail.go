// Package optimail wires the optimization components into a single
// engine with explicit init and teardown. Construct one Engine at
// process start, pass it where needed, and Close it on shutdown; there
// is no package-level singleton.
package optimail

import (
	"context"
	"fmt"

	"github.com/optimail/optimail/config"
	"github.com/optimail/optimail/convergence"
	"github.com/optimail/optimail/evaluation"
	"github.com/optimail/optimail/llm"
	"github.com/optimail/optimail/orchestrator"
	"github.com/optimail/optimail/reward"
	"github.com/optimail/optimail/rewriter"
	"github.com/optimail/optimail/store"
	"github.com/optimail/optimail/store/sqlite"
	"github.com/optimail/optimail/utils"
)

// Engine is the assembled optimization loop. Fields are exported so an
// embedding application (an admin API, a CLI) can reach the individual
// components directly.
type Engine struct {
	Prompts  store.PromptStore
	Feedback store.FeedbackStore
	Runs     store.RunStore

	Rewards      *reward.Aggregator
	Evaluator    *evaluation.Engine
	Rewriter     *rewriter.Rewriter
	Detector     *convergence.Detector
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *orchestrator.Scheduler

	cfg    *config.Config
	db     *sqlite.DB
	logger utils.Logger
}

// EngineOption customizes engine construction.
type EngineOption func(*engineOptions)

type engineOptions struct {
	client    llm.Client
	coldStart orchestrator.ColdStartChecker
	cases     orchestrator.TestCaseSource
}

// WithClient substitutes the LLM client, bypassing the OpenAI default.
func WithClient(c llm.Client) EngineOption {
	return func(o *engineOptions) { o.client = c }
}

// WithColdStartChecker installs a cold-start gate on the orchestrator.
func WithColdStartChecker(c orchestrator.ColdStartChecker) EngineOption {
	return func(o *engineOptions) { o.coldStart = c }
}

// WithTestCaseSource replaces the builtin evaluation case library.
func WithTestCaseSource(s orchestrator.TestCaseSource) EngineOption {
	return func(o *engineOptions) { o.cases = s }
}

// NewEngine builds the full component graph from the config. The
// returned engine owns the database handle; callers own the lifecycle
// and must Close it.
func NewEngine(cfg *config.Config, opts ...EngineOption) (*Engine, error) {
	var options engineOptions
	for _, opt := range opts {
		opt(&options)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = utils.NewLogger(cfg.LogLevel)
	}

	client := options.client
	if client == nil {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("no API key configured and no client injected")
		}
		var clientOpts []llm.OpenAIOption
		if cfg.Endpoint != "" {
			clientOpts = append(clientOpts, llm.WithEndpoint(cfg.Endpoint))
		}
		clientOpts = append(clientOpts,
			llm.WithHTTPTimeout(cfg.Timeout),
			llm.WithRetries(cfg.MaxRetries, cfg.RetryDelay))
		client = llm.NewOpenAIClient(cfg.APIKey, cfg.Model, logger, clientOpts...)
	}

	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	e := &Engine{
		Prompts:  db.Prompts(),
		Feedback: db.Feedback(),
		Runs:     db.Runs(),
		cfg:      cfg,
		db:       db,
		logger:   logger,
	}

	e.Rewards = reward.NewAggregator(client, logger)
	e.Evaluator = evaluation.NewEngine(client, e.Rewards, logger)
	e.Rewriter = rewriter.New(client, e.Rewards, logger)
	e.Detector = convergence.NewDetector(e.Prompts, e.Feedback, e.Runs, logger)

	cases := options.cases
	if cases == nil {
		cases = evaluation.NewCaseLibrary()
	}

	var orchOpts []orchestrator.Option
	if options.coldStart != nil {
		orchOpts = append(orchOpts, orchestrator.WithColdStartChecker(options.coldStart))
	}
	e.Orchestrator = orchestrator.New(
		orchestrator.TriggerConfigFrom(cfg),
		e.Prompts, e.Feedback, e.Runs,
		e.Rewriter, e.Evaluator, e.Detector, cases,
		logger, orchOpts...)
	e.Scheduler = orchestrator.NewScheduler(e.Orchestrator, cfg.CheckInterval, logger)

	return e, nil
}

// Start launches the background scheduler. It returns immediately; the
// loop stops when ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	return e.Scheduler.Start(ctx)
}

// Close stops the scheduler and releases the database handle. Safe to
// call once Start has returned, whether or not the scheduler ran.
func (e *Engine) Close() error {
	e.Scheduler.Stop()
	return e.db.Close()
}
