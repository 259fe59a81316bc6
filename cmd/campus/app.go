package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/campus-world/internal/agent"
	"github.com/nidhogg/campus-world/internal/api"
	"github.com/nidhogg/campus-world/internal/config"
	"github.com/nidhogg/campus-world/internal/dialogue"
	"github.com/nidhogg/campus-world/internal/embedding"
	"github.com/nidhogg/campus-world/internal/events"
	"github.com/nidhogg/campus-world/internal/gateway"
	"github.com/nidhogg/campus-world/internal/knowledge"
	"github.com/nidhogg/campus-world/internal/memory"
	"github.com/nidhogg/campus-world/internal/provider"
	"github.com/nidhogg/campus-world/internal/store"
	"github.com/nidhogg/campus-world/internal/vectorstore"
	"github.com/nidhogg/campus-world/internal/world"
)

const (
	relationBoost     = 0.1
	relationDecay     = 0.01
	eventStreamMaxLen = 10000
	transcriptLogSize = 500
	migrationsDir     = "migrations"
)

// app is a fully wired simulation. Optional backends are nil when they are not
// configured or could not be reached.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	runID  string

	router      *provider.Router
	sim         *world.Simulator
	kb          *knowledge.Base
	growth      *world.GrowthTracker
	relations   *world.RelationGraph
	pg          *store.Store
	bus         *events.Bus
	gw          *gateway.Gateway
	broadcaster *gateway.Broadcaster
	transcripts *dialogue.Log

	closers []func()
}

// newRouter registers every configured provider and makes the selected one
// the default.
func newRouter(cfg *config.Config, logger *zap.Logger) (*provider.Router, error) {
	selected, ok := cfg.SelectedProvider()
	if !ok {
		return nil, fmt.Errorf("no LLM provider selected")
	}
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		model := ""
		if len(pc.Models) > 0 {
			model = pc.Models[0]
		}
		if pc.ID == selected.ID && cfg.LLM.Model != "" {
			model = cfg.LLM.Model
		}
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey, Model: model,
			Temperature: cfg.LLM.Temperature, MaxTokens: cfg.LLM.MaxTokens,
			Extra: pc.Extra, Timeout: cfg.LLM.Timeout(),
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}
	router.SetDefault(selected.ID)
	router.SetFallbacks(cfg.LLM.Fallbacks)
	return router, nil
}

// buildApp wires the simulation from cfg. cfg must already be validated.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, runID: uuid.NewString()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	router, err := newRouter(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.router = router

	sc := cfg.Simulation
	seed := sc.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	logger.Info("simulation seeded", zap.Uint64("seed", seed), zap.String("run_id", a.runID))

	wmap, err := world.LoadMap(sc.MapFile)
	if err != nil {
		return nil, err
	}
	var calCfg world.CalendarConfig
	if sc.CalendarFile != "" {
		if calCfg, err = world.LoadCalendarConfig(sc.CalendarFile); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	if sc.StartDate != "" {
		if start, err = time.Parse(world.DateLayout, sc.StartDate); err != nil {
			return nil, fmt.Errorf("simulation.start_date: %w", err)
		}
	}

	neo := a.connectNeo4j(ctx)
	backend := a.memoryBackend(neo)

	reg := agent.NewRegistry()
	var sink dialogue.Sink = dialogue.NewFileSink(sc.DialogueLogDir)
	orch := dialogue.New(reg, rng, sink, logger, dialogue.Options{
		Mode:      sc.DialogueMode,
		MaxRounds: sc.MaxDialogueRounds,
	})
	a.sim = world.NewSimulator(reg, wmap, world.NewCalendar(start, calCfg), orch, logger, world.Options{
		TotalDays:         sc.TotalDays,
		TimeSlots:         sc.TimeSlots,
		RunExam:           sc.RunExam,
		ExamQuestionCount: sc.ExamQuestionCount,
	})

	kbs := map[string]*knowledge.Base{}
	a.kb = a.knowledgeBase(ctx, kbs, cfg.Knowledge.Path, cfg.Knowledge.Collection)
	for _, path := range sc.Personas {
		p, err := agent.LoadPersona(path)
		if err != nil {
			return nil, err
		}
		mem, err := memory.Open(ctx, p.Name, backend, logger)
		if err != nil {
			return nil, fmt.Errorf("open memory for %s: %w", p.Name, err)
		}
		kb := a.kb
		if p.IsExpert && p.KnowledgeBasePath != "" {
			kb = a.knowledgeBase(ctx, kbs, p.KnowledgeBasePath, collectionFor(cfg.Knowledge.Collection, p.KnowledgeBasePath))
		}
		ag := agent.New(p, agent.Deps{LLM: router, Memory: mem, Rand: rng, Logger: logger}, kb)
		if err := a.sim.Register(ag); err != nil {
			return nil, err
		}
		logger.Info("agent registered", zap.String("name", p.Name), zap.String("role", p.Role()), zap.Int("memories", mem.Len()))
	}

	a.growth = world.NewGrowthTracker(logger)
	orch.AddObserver(a.growth)
	a.sim.AddScoreObserver(a.growth)

	a.transcripts = dialogue.NewLog(transcriptLogSize)
	orch.AddObserver(a.transcripts)

	if neo != nil {
		a.relations = world.NewRelationGraph(neo.Driver(), reg, relationBoost, relationDecay, logger)
		orch.AddObserver(a.relations)
		a.sim.Clock().AddListener(a.relations)
	}
	if a.pg = a.connectPostgres(ctx); a.pg != nil {
		orch.AddObserver(a.pg)
		a.sim.AddScoreObserver(a.pg)
	}
	if a.bus = a.connectRedis(ctx); a.bus != nil {
		orch.AddObserver(a.bus)
		a.sim.AddScoreObserver(a.bus)
		a.sim.Clock().AddListener(a.bus)
	}
	if a.broadcaster = a.connectGateway(ctx); a.broadcaster != nil {
		orch.AddObserver(a.broadcaster)
		a.sim.Clock().AddListener(a.broadcaster)
	}

	ok = true
	return a, nil
}

func (a *app) connectNeo4j(ctx context.Context) *memory.Neo4jBackend {
	nc := a.cfg.Database.Neo4j
	if nc.URI == "" {
		return nil
	}
	neo, err := memory.NewNeo4jBackend(ctx, nc.URI, nc.User, nc.Password, a.logger)
	if err != nil {
		a.logger.Warn("Neo4j unavailable, running without relationship graph", zap.Error(err))
		return nil
	}
	a.closers = append(a.closers, func() { neo.Close() })
	return neo
}

// memoryBackend picks the durable store for agent memories. Without one,
// memories live only for the run.
func (a *app) memoryBackend(neo *memory.Neo4jBackend) memory.Backend {
	mc := a.cfg.Memory
	if mc.Backend == "neo4j" {
		if neo != nil {
			return neo
		}
		a.logger.Warn("memory backend neo4j requested but unavailable, using sqlite")
	}
	lite, err := memory.OpenSQLite(mc.SQLitePath, a.logger)
	if err != nil {
		a.logger.Warn("SQLite unavailable, memories will not persist", zap.Error(err))
		return nil
	}
	a.closers = append(a.closers, func() { lite.Close() })
	return lite
}

func collectionFor(base, path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return base + "_" + name
}

// knowledgeBase loads path once, indexing it in Qdrant when the vector index
// is configured and reachable.
func (a *app) knowledgeBase(ctx context.Context, cache map[string]*knowledge.Base, path, collection string) *knowledge.Base {
	if kb, ok := cache[path]; ok {
		return kb
	}
	kb := knowledge.New(a.vectorIndex(collection), a.logger)
	if path != "" {
		if err := kb.LoadFile(ctx, path); err != nil {
			a.logger.Warn("knowledge base not loaded", zap.String("path", path), zap.Error(err))
		}
	}
	cache[path] = kb
	return kb
}

func (a *app) vectorIndex(collection string) knowledge.Index {
	if a.cfg.Knowledge.Index != "vector" {
		return nil
	}
	ec := a.cfg.Embedding
	emb, err := embedding.New(embedding.Config{
		Provider: ec.Provider, Endpoint: ec.Endpoint, Model: ec.Model, APIKey: ec.APIKey, Dimension: ec.Dimension,
	})
	if err != nil {
		a.logger.Warn("embedding provider unavailable, using keyword search", zap.Error(err))
		return nil
	}
	qc := a.cfg.Database.Qdrant
	client, err := vectorstore.NewClient(vectorstore.QdrantConfig{Host: qc.Host, Port: qc.Port})
	if err != nil {
		a.logger.Warn("Qdrant unavailable, using keyword search", zap.Error(err))
		return nil
	}
	a.closers = append(a.closers, func() { client.Close() })
	return knowledge.NewVectorIndex(emb, client, collection, a.logger)
}

func (a *app) connectPostgres(ctx context.Context) *store.Store {
	dsn := a.cfg.Database.Postgres.DSN
	if dsn == "" {
		return nil
	}
	pg, err := store.New(ctx, dsn, a.runID, a.logger)
	if err != nil {
		a.logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(err))
		return nil
	}
	if err := pg.Migrate(ctx, migrationsDir); err != nil {
		a.logger.Warn("migration failed, running without persistence", zap.Error(err))
		pg.Close()
		return nil
	}
	a.closers = append(a.closers, pg.Close)
	return pg
}

func (a *app) connectRedis(ctx context.Context) *events.Bus {
	url := a.cfg.Database.Redis.URL
	if url == "" {
		return nil
	}
	bus, err := events.NewBus(ctx, url, eventStreamMaxLen, a.logger)
	if err != nil {
		a.logger.Warn("Redis unavailable, running without event bus", zap.Error(err))
		return nil
	}
	a.closers = append(a.closers, func() { bus.Close() })
	return bus
}

func (a *app) connectGateway(ctx context.Context) *gateway.Broadcaster {
	gc := a.cfg.Gateway
	gw := gateway.NewGateway(a.logger)
	if gc.Slack.Enabled && gc.Slack.BotToken != "" {
		gw.Register(gateway.NewSlackAnnouncer(gc.Slack.BotToken, gc.Slack.ChannelID, a.logger))
	}
	if gc.Discord.Enabled && gc.Discord.BotToken != "" {
		gw.Register(gateway.NewDiscordAnnouncer(gc.Discord.BotToken, gc.Discord.ChannelID, a.logger))
	}
	if err := gw.ConnectAll(ctx); err != nil {
		a.logger.Warn("some announcers failed to connect", zap.Error(err))
	}
	if len(gw.Platforms()) == 0 {
		return nil
	}
	a.gw = gw
	a.closers = append(a.closers, func() { gw.Close() })
	return gateway.NewBroadcaster(gw, a.logger)
}

// run simulates every configured day and announces the exam reports.
func (a *app) run(ctx context.Context) ([]world.Report, error) {
	reports, err := a.sim.Run(ctx)
	if err != nil {
		return reports, err
	}
	if a.broadcaster != nil {
		if err := a.broadcaster.AnnounceReports(ctx, reports); err != nil {
			a.logger.Warn("exam report announcement failed", zap.Error(err))
		}
	}
	return reports, nil
}

// handler exposes the simulation over HTTP.
func (a *app) handler() *api.Handler {
	deps := api.Deps{
		Sim:         a.sim,
		Knowledge:   a.kb,
		Transcripts: a.transcripts,
		Growth:      a.growth,
		Broadcaster: a.broadcaster,
	}
	if a.pg != nil {
		deps.Transcripts = a.pg
		deps.Scores = a.pg
	}
	if a.relations != nil {
		deps.Relations = a.relations
	}
	if a.bus != nil {
		deps.Events = a.bus
	}
	return api.NewHandler(deps, a.logger)
}

// Close releases every backend in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
