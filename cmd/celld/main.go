// Command celld runs one cell agent: it subscribes to a sensor channel,
// responds to incoming events through the LLM cycle loop, and persists
// conversational memory.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redislib "github.com/redis/go-redis/v9"

	"github.com/zimagi/cell"
	"github.com/zimagi/cell/internal/config"
	"github.com/zimagi/cell/observer"
	"github.com/zimagi/cell/provider/openaicompat"
	"github.com/zimagi/cell/split"
	"github.com/zimagi/cell/store/postgres"
	"github.com/zimagi/cell/store/sqlite"
	"github.com/zimagi/cell/toolmcp"
	redistransport "github.com/zimagi/cell/transport/redis"
)

// stores is the combined persistence surface shared by both drivers.
type stores interface {
	cell.MessageStore
	cell.VectorStore
	cell.StateStore
	cell.Locker
	Init(ctx context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 1. Load config
	cfg := config.Load(os.Getenv("CELL_CONFIG"))

	// 2. Create providers
	var provider cell.Provider = openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL)
	var encoder cell.Encoder = openaicompat.NewEncoder(
		cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.BaseURL, cfg.Embedding.Dimensions)

	// 3. Optional observability
	var (
		inst *observer.Instruments
		hook cell.EventHook
	)
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer: %v", err)
		}
		defer shutdown(context.Background())
		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst)
		encoder = observer.WrapEncoder(encoder, cfg.Embedding.Model, inst)
		hook = inst.EventHook()
	}

	// 4. Create store
	var db stores
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
		db = postgres.New(pool, postgres.WithDimensions(cfg.Embedding.Dimensions))
	default:
		db = sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	}
	if err := db.Init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}

	// 5. Create transport
	client := redislib.NewClient(&redislib.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()
	transport := redistransport.New(client)

	// 6. Connect tool servers
	var tools cell.ToolRunner
	if len(cfg.Tools.Servers) > 0 {
		servers := make([]toolmcp.ServerConfig, len(cfg.Tools.Servers))
		for i, s := range cfg.Tools.Servers {
			servers[i] = toolmcp.ServerConfig{
				Name:      s.Name,
				Transport: s.Transport,
				Command:   s.Command,
				URL:       s.URL,
				Env:       s.Env,
			}
		}
		runner, err := toolmcp.Connect(ctx, servers)
		if err != nil {
			log.Fatalf("tools: %v", err)
		}
		defer runner.Close()
		tools = runner
		if inst != nil {
			tools = observer.WrapToolRunner(tools, inst)
		}
	}

	// 7. Memory + state + prompts
	splitter := split.New(
		split.WithMaxChars(cfg.Memory.SectionChars),
		split.WithOverlapChars(cfg.Memory.OverlapChars),
	)
	memory := cell.NewMemoryManager(
		cfg.Agent.User, cfg.Sensor.Channel,
		db, db, splitter, encoder, provider, db,
		cell.WithSearchLimit(cfg.Memory.SearchLimit),
		cell.WithSearchMinScore(cfg.Memory.SearchMinScore),
		cell.WithMemoryLogger(logger),
	)

	defaults := map[string]any{}
	if len(cfg.Tools.Allowed) > 0 {
		defaults["tools"] = cfg.Tools.Allowed
	}
	state := cell.NewStateManager(db,
		cell.StateScope{Agent: cfg.Agent.Name, Identity: cfg.Agent.User},
		defaults, cell.WithStateLogger(logger))
	if err := state.Load(ctx); err != nil {
		log.Fatalf("state: %v", err)
	}

	toolDefaults := make(map[string]map[string]any, len(cfg.Tools.Params))
	for tool, params := range cfg.Tools.Params {
		m := make(map[string]any, len(params))
		for k, v := range params {
			m[k] = v
		}
		toolDefaults[tool] = m
	}

	actor := cell.NewActor(cfg.Agent.Name, provider, memory, cell.NewPromptEngine(), state, tools,
		cell.WithMaxCycles(cfg.Agent.MaxCycles),
		cell.WithCompletionToken(cfg.Agent.CompletionToken),
		cell.WithContextTokens(cfg.Agent.ContextTokens),
		cell.WithSearchField(cfg.Agent.SearchField),
		cell.WithToolDefaults(toolDefaults),
		cell.WithActorLogger(logger),
	)

	// 8. Sensor gateway
	sensors := map[string]string{cfg.Sensor.Channel: cfg.Sensor.Template}
	gateway := cell.NewSensorGateway(transport, sensors, cfg.Agent.Name, cfg.Agent.User,
		cell.WithPollTimeout(pollTimeout(cfg.Sensor.PollSeconds)),
		cell.WithGatewayLogger(logger),
	)
	if err := gateway.SetSensor(cfg.Sensor.Channel); err != nil {
		log.Fatalf("sensor: %v", err)
	}
	filters := make(map[string]any, len(cfg.Sensor.Filters))
	for k, v := range cfg.Sensor.Filters {
		filters[k] = v
	}
	if err := gateway.Listen(ctx, filters, cfg.Sensor.Fields, cfg.Sensor.IDField); err != nil {
		log.Fatalf("listen: %v", err)
	}

	// 9. Run
	opts := []cell.CellOption{
		cell.WithReplyChannel(cfg.Agent.ReplyChannel),
		cell.WithCellLogger(logger),
	}
	if hook != nil {
		opts = append(opts, cell.WithEventHook(hook))
	}
	app := cell.NewCell(gateway, actor, opts...)

	logger.Info("cell started",
		"agent", cfg.Agent.Name,
		"sensor", cfg.Sensor.Channel,
		"driver", cfg.Database.Driver)
	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}

func pollTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = 5
	}
	return time.Duration(seconds) * time.Second
}
