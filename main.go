package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	archivex "github.com/loanpilot/loanpilot/agent/archive"
	dispatchx "github.com/loanpilot/loanpilot/agent/dispatch"
	"github.com/loanpilot/loanpilot/agent/orchestrator"
	plannerx "github.com/loanpilot/loanpilot/agent/planner"
	statex "github.com/loanpilot/loanpilot/agent/state"
	toolx "github.com/loanpilot/loanpilot/agent/tool"
	configx "github.com/loanpilot/loanpilot/pkg/config"
	_ "github.com/loanpilot/loanpilot/pkg/logger/autoload"
	openrouterx "github.com/loanpilot/loanpilot/pkg/openrouter"
	"github.com/loanpilot/loanpilot/server"
)

type AppConfig struct {
	// StateBackend selects the checkpoint store: memory, redis or upstash.
	StateBackend string `envconfig:"STATE_BACKEND" default:"memory"`

	// ArchiveDSN enables the Postgres decision archive when set.
	ArchiveDSN string `envconfig:"ARCHIVE_DSN"`

	// SummaryModel names the model used for archive transcript summaries.
	SummaryModel string `envconfig:"SUMMARY_MODEL" default:"openai/gpt-4o-mini"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCfg := configx.MustNew[AppConfig]("")

	store, err := newStateStore(ctx, appCfg.StateBackend)
	if err != nil {
		log.Fatal().Err(err).Msg("init state store")
	}

	toolCfg := configx.MustNew[toolx.Config]("TOOLS")
	catalog, err := toolx.NewCatalog(toolx.NewClient(*toolCfg))
	if err != nil {
		log.Fatal().Err(err).Msg("init tool catalog")
	}

	openRouterCfg := configx.MustNew[openrouterx.Config]("OPENROUTER")
	planner, err := plannerx.New(ctx, openRouterCfg, catalog.Infos())
	if err != nil {
		log.Fatal().Err(err).Msg("init planner")
	}

	dispatcher := dispatchx.New(catalog)

	engineOpts := []orchestrator.Option{}
	if appCfg.ArchiveDSN != "" {
		archiveCfg := configx.MustNew[archivex.Config]("ARCHIVE")
		archiveCfg.DSN = appCfg.ArchiveDSN
		archiver, err := archivex.New(ctx, *archiveCfg,
			archivex.WithSummarizer(openrouterx.NewClient(*openRouterCfg), appCfg.SummaryModel))
		if err != nil {
			log.Fatal().Err(err).Msg("init decision archive")
		}
		defer archiver.Close()
		engineOpts = append(engineOpts, orchestrator.WithArchiver(archiver))
	}

	engineCfg := configx.MustNew[orchestrator.Config]("ENGINE")
	engine, err := orchestrator.New(*engineCfg, store, planner, dispatcher, engineOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("init orchestrator")
	}

	serverCfg := configx.MustNew[server.Config]("SERVER")
	srv := server.New(*serverCfg, engine)
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("http server stopped")
	}
}

func newStateStore(ctx context.Context, backend string) (statex.Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "memory":
		return statex.NewMemoryStore(), nil
	case "redis":
		cfg := configx.MustNew[statex.RedisConfig]("REDIS")
		return statex.NewRedisStore(ctx, *cfg)
	case "upstash":
		cfg := configx.MustNew[statex.UpstashConfig]("UPSTASH")
		return statex.NewUpstashStore(*cfg)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}
