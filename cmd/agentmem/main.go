// cmd/agentmem is a smoke tool for the memory engine. It loads the
// configuration, wires the engine against the configured backends, plays a
// short scripted conversation for one scope and prints the assembled context
// payload as JSON on stdout. Logs go to stderr.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/agentmem/internal/config"
	"github.com/scrypster/agentmem/internal/engine"
	"github.com/scrypster/agentmem/internal/memory"
	"github.com/scrypster/agentmem/pkg/types"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file (optional, AGENTMEM_ env vars override it)")
	tenantID   = flag.String("tenant", "demo-tenant", "Tenant id")
	agentID    = flag.String("agent", "concierge", "Agent id")
	sessionID  = flag.String("session", "", "Session id (default: generated from the current time)")
	userID     = flag.String("user", "demo-user", "User id")
	query      = flag.String("query", "Where does the user live?", "Query text for semantic retrieval")
	recentN    = flag.Int("recent", 0, "Thread turns to include (0 uses the configured default)")
	topK       = flag.Int("top-k", 0, "Facts to include (0 uses the configured default)")
	render     = flag.Bool("render", false, "Print the prompt text block instead of JSON")
)

// script is the conversation replayed into thread memory.
var script = []struct {
	key   string
	value string
}{
	{"user_utterance", "Hi, I'd like to book a table for Friday."},
	{"agent_reply", "Of course. How many guests?"},
	{"user_utterance", "Four of us. One is vegetarian."},
	{"agent_reply", "Noted. Any seating preference?"},
}

var facts = []string{
	"The user lives in Oslo.",
	"One regular guest is vegetarian.",
	"The user prefers window seating.",
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentmem: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentmem: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("smoke run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	eng, err := engine.New(ctx, cfg, engine.Dependencies{Logger: logger})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			logger.Warn("engine shutdown had errors", zap.Error(err))
		}
	}()

	session := *sessionID
	if session == "" {
		session = fmt.Sprintf("smoke-%d", time.Now().Unix())
	}
	scope := types.Scope{TenantID: *tenantID, AgentID: *agentID, SessionID: session, UserID: *userID}

	h, err := eng.GetManager(ctx, scope)
	if err != nil {
		return fmt.Errorf("get manager: %w", err)
	}
	defer func() { _ = eng.Release(h) }()

	// Continue after whatever the session already holds.
	var next int64 = 1
	existing := h.GetContext(ctx, memory.ContextRequest{RecentN: 1, TopK: -1})
	if last := existing.ThreadEntries(); len(last) > 0 {
		next = last[0].TurnIndex + 1
	}

	for i, turn := range script {
		value, err := json.Marshal(turn.value)
		if err != nil {
			return err
		}
		if _, err := h.RecordTurn(ctx, next+int64(i), turn.key, value); err != nil {
			return fmt.Errorf("record turn: %w", err)
		}
	}
	for _, fact := range facts {
		if _, err := h.RecordFact(ctx, fact, map[string]interface{}{"source": "smoke"}); err != nil {
			return fmt.Errorf("record fact: %w", err)
		}
	}

	payload := h.GetContext(ctx, memory.ContextRequest{RecentN: *recentN, TopK: *topK, Query: *query})
	logger.Info("context assembled",
		zap.String("scope", scope.Key()),
		zap.Int("entries", len(payload.Entries)),
		zap.Bool("degraded", payload.Degraded),
		zap.Strings("omitted", payload.Omitted),
		zap.Any("cache", eng.Cache().Stats()))

	if *render {
		fmt.Print(payload.Render())
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// newLogger builds the root logger. Output goes to stderr so stdout carries
// only the payload.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}
