package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	orchestratorx "github.com/tanpawarit/agentloop/agent/agents/orchestrator"
	dispatchx "github.com/tanpawarit/agentloop/agent/dispatch"
	"github.com/tanpawarit/agentloop/agent/httpapi"
	llmx "github.com/tanpawarit/agentloop/agent/llm"
	plannerx "github.com/tanpawarit/agentloop/agent/planner"
	promptx "github.com/tanpawarit/agentloop/agent/prompt"
	"github.com/tanpawarit/agentloop/agent/retrieval"
	statex "github.com/tanpawarit/agentloop/agent/state"
	configx "github.com/tanpawarit/agentloop/pkg/config"
	_ "github.com/tanpawarit/agentloop/pkg/logger/autoload"
	metricsx "github.com/tanpawarit/agentloop/pkg/metrics"
	openrouterx "github.com/tanpawarit/agentloop/pkg/openrouter"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

type AppConfig struct {
	ToolsFile        string `envconfig:"TOOLS_FILE"`
	RetrievalBackend string `envconfig:"RETRIEVAL_BACKEND" default:"lexical"`
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"agentloop"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("agentloop exited")
	}
}

func run(ctx context.Context) error {
	appCfg := configx.MustNew[AppConfig]("")
	llmCfg := configx.MustNew[llmx.Config]("OPENROUTER")
	if err := llmCfg.Validate(); err != nil {
		return err
	}
	httpCfg := configx.MustNew[httpapi.Config]("HTTP")
	metrics := metricsx.New(appCfg.MetricsNamespace)

	storeCfg := configx.MustNew[statex.Config]("STORE")
	agentCfg := configx.MustNew[orchestratorx.Config]("AGENT")
	if err := storeCfg.CheckLockTTL(agentCfg.EffectiveTurnTimeout()); err != nil {
		return err
	}

	storage, err := openStorage(ctx, *storeCfg)
	if err != nil {
		return err
	}
	defer storage.Close()

	tools, err := buildTools(ctx, *appCfg, *llmCfg, storage)
	if err != nil {
		return err
	}

	dispatcher, err := dispatchx.New(tools.registry, *configx.MustNew[dispatchx.Config]("DISPATCH"), dispatchx.WithMetrics(metrics))
	if err != nil {
		return err
	}

	prompts := promptx.LoadPromptSet()
	if err := prompts.Validate(); err != nil {
		return err
	}
	chatModel, err := openrouterx.NewChatModel(ctx, llmCfg.Reasoning())
	if err != nil {
		return err
	}
	reasoner, err := llmx.NewReasoner(ctx, chatModel, tools.registry.ToolInfos(), prompts.System)
	if err != nil {
		return err
	}
	planner, err := plannerx.New(reasoner, tools.registry, *configx.MustNew[plannerx.Config]("PLANNER"), plannerx.WithMetrics(metrics))
	if err != nil {
		return err
	}

	svc, err := orchestratorx.New(storage.store, planner, dispatcher, tools.registry,
		*agentCfg,
		orchestratorx.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	docParser, err := retrieval.NewDocumentParser(ctx)
	if err != nil {
		return err
	}

	if !httpCfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:              httpCfg.Addr,
		Handler:           httpapi.NewRouter(*httpCfg, httpapi.NewSessionHandler(svc, tools.ingestor, httpapi.WithDocumentParser(docParser)), metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Int("tools", len(tools.registry.Descriptors())).Msg("agentloop listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
