package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/indexer"
	"github.com/cloudwego/eino/components/retriever"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	llmx "github.com/tanpawarit/agentloop/agent/llm"
	"github.com/tanpawarit/agentloop/agent/retrieval"
	statex "github.com/tanpawarit/agentloop/agent/state"
	toolx "github.com/tanpawarit/agentloop/agent/tool"
	configx "github.com/tanpawarit/agentloop/pkg/config"
	openrouterx "github.com/tanpawarit/agentloop/pkg/openrouter"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"

	// The expense ledger needs SQL even when sessions live elsewhere.
	scratchSQLiteDSN = "file::memory:?cache=shared"
)

type storage struct {
	store statex.Store
	db    *bun.DB
	redis *redis.Client
}

func (s *storage) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

func openStorage(ctx context.Context, cfg statex.Config) (*storage, error) {
	out := &storage{}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory, "":
		out.store = statex.NewMemoryStore()
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("STORE_DSN is required for driver %s", DriverPostgres)
		}
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
		out.db = bun.NewDB(sqldb, pgdialect.New())
	case DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file:agentloop.db?cache=shared"
		}
		db, err := openSQLite(dsn)
		if err != nil {
			return nil, err
		}
		out.db = db
	case DriverRedis:
		client, err := statex.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		out.redis = client
		store, err := statex.NewRedisStore(client,
			statex.WithKeyPrefix(cfg.KeyPrefix),
			statex.WithTTL(cfg.TTL),
			statex.WithLockTTL(cfg.LockTTL),
		)
		if err != nil {
			out.Close()
			return nil, err
		}
		out.store = store
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	if out.db != nil {
		bunStore := statex.NewBunStore(out.db)
		if err := bunStore.Migrate(ctx); err != nil {
			out.Close()
			return nil, err
		}
		out.store = bunStore
	}
	return out, nil
}

func openSQLite(dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqldb.SetMaxOpenConns(1)
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

type toolSet struct {
	registry *toolx.Registry
	ingestor *retrieval.Ingestor
}

func buildTools(ctx context.Context, appCfg AppConfig, llmCfg llmx.Config, st *storage) (*toolSet, error) {
	registry := toolx.NewRegistry()

	if err := registry.Register(toolx.CalculatorDescriptor(), toolx.Calculator()); err != nil {
		return nil, err
	}
	if err := toolx.RegisterSystemTools(registry, nil); err != nil {
		return nil, err
	}

	ledgerDB := st.db
	if ledgerDB == nil {
		db, err := openSQLite(scratchSQLiteDSN)
		if err != nil {
			return nil, err
		}
		st.db = db
		ledgerDB = db
	}
	ledger := toolx.NewBunLedger(ledgerDB)
	if err := ledger.Migrate(ctx); err != nil {
		return nil, err
	}
	if err := toolx.RegisterExpenseTools(registry, ledger); err != nil {
		return nil, err
	}

	webCfg := configx.MustNew[toolx.WebConfig]("WEB")
	if err := toolx.RegisterWebTools(registry, toolx.NewWebClient(*webCfg, nil)); err != nil {
		return nil, err
	}

	index, err := newIndex(appCfg, llmCfg)
	if err != nil {
		return nil, err
	}
	if err := retrieval.NewGateway(index).Register(registry); err != nil {
		return nil, err
	}

	if appCfg.ToolsFile != "" {
		ov, err := toolx.LoadOverrides(appCfg.ToolsFile)
		if err != nil {
			return nil, err
		}
		if err := registry.ApplyOverrides(ov); err != nil {
			return nil, err
		}
	}
	registry.Freeze()

	return &toolSet{registry: registry, ingestor: retrieval.NewIngestor(index)}, nil
}

type searchIndex interface {
	retriever.Retriever
	indexer.Indexer
}

func newIndex(appCfg AppConfig, llmCfg llmx.Config) (searchIndex, error) {
	switch strings.ToLower(appCfg.RetrievalBackend) {
	case "", "lexical":
		return retrieval.NewLexicalIndex(), nil
	case "vector":
		client, err := openrouterx.NewClient(llmCfg.Client())
		if err != nil {
			return nil, err
		}
		embCfg := configx.MustNew[retrieval.EmbeddingConfig]("EMBEDDING")
		embedder, err := retrieval.NewOpenAIEmbedder(client, embCfg.Model)
		if err != nil {
			return nil, err
		}
		return retrieval.NewVectorIndex(embedder), nil
	default:
		return nil, fmt.Errorf("unsupported retrieval backend %q", appCfg.RetrievalBackend)
	}
}
