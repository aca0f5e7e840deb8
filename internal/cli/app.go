package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/lucasnoah/healfactory/internal/classify"
	"github.com/lucasnoah/healfactory/internal/config"
	repoctx "github.com/lucasnoah/healfactory/internal/context"
	"github.com/lucasnoah/healfactory/internal/db"
	"github.com/lucasnoah/healfactory/internal/events"
	"github.com/lucasnoah/healfactory/internal/github"
	"github.com/lucasnoah/healfactory/internal/llm"
	"github.com/lucasnoah/healfactory/internal/metrics"
	"github.com/lucasnoah/healfactory/internal/orchestrator"
	"github.com/lucasnoah/healfactory/internal/pipeline"
	"github.com/lucasnoah/healfactory/internal/stage"
	"github.com/lucasnoah/healfactory/internal/worktree"
)

// newLogger builds the process logger from the log section of cfg.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openDB opens and migrates the audit database named by cfg.
func openDB(cfg *config.Config) (*db.DB, error) {
	database, err := db.Open(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return database, nil
}

// openStore opens the run status store, honouring paths.state_dir.
func openStore(cfg *config.Config) (*pipeline.Store, error) {
	if cfg.Paths.StateDir != "" {
		return pipeline.OpenStore(cfg.Paths.StateDir)
	}
	return pipeline.DefaultStore()
}

// app is the fully wired agent: every stage executor plus the shared side
// channels (audit database, status store, event hub, metrics).
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *db.DB
	store   *pipeline.Store
	hub     *events.Hub
	metrics *metrics.Metrics
	llm     *llm.Client
	orch    *orchestrator.Orchestrator
}

// newApp wires the agent from cfg. extra receives run events in addition to
// the hub; it may be nil. The returned cleanup closes the database.
func newApp(cfg *config.Config, logger *slog.Logger, extra events.Publisher) (*app, func(), error) {
	database, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("store: %w", err)
	}

	m := metrics.New()
	hub := events.NewHub(events.WithDropHook(func(events.Event) {
		m.EventsDropped.Inc()
	}))

	model := llm.NewClient(llm.Config{
		Keys:        cfg.LLM.APIKeys,
		Model:       cfg.LLM.Model,
		Temperature: float32(cfg.LLM.Temperature),
		BaseURL:     cfg.LLM.BaseURL,
	}, logger.With("component", "llm"))
	if !model.Available() {
		logger.Warn("no LLM keys configured; classification falls back to parsers and fixes are disabled")
	}

	repos := worktree.NewManager(&worktree.ExecGit{}, cfg.Paths.ReposDir).WithToken(cfg.CI.Token)
	builder := repoctx.NewBuilder(&repoctx.ExecGit{})
	templates := cfg.Paths.TemplatesDir

	poller := github.NewPoller(github.Config{
		Token:  cfg.CI.Token,
		APIURL: cfg.CI.APIURL,
	}, logger.With("component", "github"))
	if cfg.CI.Token == "" {
		logger.Warn("no GitHub token configured; CI results are simulated")
	}

	var pub events.Publisher = hub
	if extra != nil {
		pub = fanout{hub, extra}
	}

	orch := orchestrator.NewOrchestrator(orchestrator.Stages{
		Scanner:   stage.NewScanner(repos, logger),
		Tests:     stage.NewTestRunner(stage.ExecRunner{}, logger),
		Analyzer:  classify.NewClassifier(model, builder, templates, logger),
		Fixer:     stage.NewLLMFixGenerator(model, builder, templates, logger),
		Committer: stage.NewCommitter(repos, logger),
		CI:        poller,
		Workflows: stage.NewWorkflowCreator(model, repos, templates, logger),
	}, orchestrator.Options{
		OutputsDir:   cfg.Paths.OutputsDir,
		PollTimeout:  cfg.PollTimeout(),
		PollInterval: cfg.PollInterval(),
		Store:        store,
		Audit:        database,
		Events:       pub,
		Metrics:      m,
		Sampler:      metrics.NewSampler(m),
		Logger:       logger,
	})

	a := &app{
		cfg:     cfg,
		logger:  logger,
		db:      database,
		store:   store,
		hub:     hub,
		metrics: m,
		llm:     model,
		orch:    orch,
	}
	return a, func() { database.Close() }, nil
}

// fanout publishes every event to each of its publishers in order.
type fanout []events.Publisher

func (f fanout) Publish(ev events.Event) {
	for _, p := range f {
		p.Publish(ev)
	}
}
