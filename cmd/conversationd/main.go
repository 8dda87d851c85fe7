// Command conversationd is the server entrypoint for the conversation
// runtime plane: it wires storage, LLM providers, the ConversationManager,
// and the WebSocket/HTTP transport into one running process (spec.md §6).
// It replaces the teacher's cmd/opencode-server, which wired
// internal/server + internal/session instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/relay-agent/runtime/internal/config"
	"github.com/relay-agent/runtime/internal/convmanager"
	"github.com/relay-agent/runtime/internal/logging"
	"github.com/relay-agent/runtime/internal/mcp"
	"github.com/relay-agent/runtime/internal/metrics"
	"github.com/relay-agent/runtime/internal/provider"
	"github.com/relay-agent/runtime/internal/storage"
	"github.com/relay-agent/runtime/internal/telemetry"
	"github.com/relay-agent/runtime/internal/transport"
	"github.com/relay-agent/runtime/pkg/types"
)

var (
	port          = flag.Int("port", 8080, "listen port")
	directory     = flag.String("directory", "", "default working directory for local-runtime conversations")
	otlpEndpoint  = flag.String("otlp-endpoint", "", "OTLP/gRPC collector address; traces disabled when empty")
	maxConvsTotal = flag.Int("max-conversations", 0, "global cap on concurrently running agent loops (0 = unbounded)")
	maxConvsUser  = flag.Int("max-conversations-per-user", 0, "per-user cap (0 = unbounded)")
	idleTimeout   = flag.Duration("idle-timeout", convmanager.DefaultIdleTimeout, "reap a loop after this much inactivity with no connections")
	maxIterations = flag.Int("max-iterations", 0, "per-conversation iteration cap (0 = unbounded, spec.md settings.json max_iterations)")
	maxBudgetUSD  = flag.Float64("max-budget-usd", 0, "per-conversation cost cap (0 = unbounded, spec.md settings.json max_budget_per_task)")
	version       = flag.Bool("version", false, "print version and exit")
)

const Version = "0.1.0"

func main() {
	flag.Parse()
	if *version {
		fmt.Printf("conversationd %s\n", Version)
		os.Exit(0)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Pretty = true
	log := logging.New(logCfg)

	workDir := *directory
	if workDir == "" {
		if wd, err := os.Getwd(); err == nil {
			workDir = wd
		}
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		log.Fatal().Err(err).Msg("conversationd: failed to create data directories")
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		log.Fatal().Err(err).Msg("conversationd: failed to load configuration")
	}

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:      *otlpEndpoint != "",
		OTLPEndpoint: *otlpEndpoint,
		ServiceName:  "conversationd",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("conversationd: failed to initialize telemetry")
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shCtx); err != nil {
			log.Warn().Err(err).Msg("conversationd: telemetry shutdown error")
		}
	}()

	store := storage.New(paths.StoragePath())

	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		log.Warn().Err(err).Msg("conversationd: some providers failed to initialize")
	}

	mgr := convmanager.NewManager(store, metrics.New(), log, convmanager.ManagerConfig{
		MaxConversations:   *maxConvsTotal,
		MaxPerUser:         *maxConvsUser,
		DefaultIdleTimeout: *idleTimeout,
	})
	mgr.Start()
	defer mgr.Close()

	var defaultProvider provider.Provider
	var defaultModel string
	if appConfig.Model != "" {
		parts := strings.SplitN(appConfig.Model, "/", 2)
		if len(parts) == 2 {
			if p, err := providerReg.Get(parts[0]); err == nil {
				defaultProvider = p
				defaultModel = parts[1]
			} else {
				log.Warn().Err(err).Str("model", appConfig.Model).Msg("conversationd: configured default provider unavailable")
			}
		}
	}

	srv := transport.New(&transport.Config{
		Port:          *port,
		EnableCORS:    true,
		SessionAPIKey: os.Getenv("SESSION_API_KEY"),
		DefaultSettings: convmanager.Settings{
			RuntimeVariant: "local",
			Directory:      workDir,
			MCPServers:     mcpServersFromConfig(appConfig),
			Provider:       defaultProvider,
			Model:          defaultModel,
			MaxIterations:  *maxIterations,
			MaxBudgetUSD:   *maxBudgetUSD,
		},
	}, mgr, log)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("conversationd: transport server error")
		}
	}()
	log.Info().Int("port", *port).Str("directory", workDir).Msg("conversationd: listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("conversationd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("conversationd: transport shutdown error")
	}
}

// mcpServersFromConfig adapts types.Config.MCP into internal/mcp.Config,
// mirroring internal/server.Server.InitializeMCP's field-by-field
// conversion (teacher's only other consumer of this shape).
func mcpServersFromConfig(cfg *types.Config) map[string]*mcp.Config {
	if cfg == nil || cfg.MCP == nil {
		return nil
	}
	out := make(map[string]*mcp.Config, len(cfg.MCP))
	for name, c := range cfg.MCP {
		enabled := c.Enabled == nil || *c.Enabled
		if !enabled {
			continue
		}
		out[name] = &mcp.Config{
			Enabled:     true,
			Type:        mcp.TransportType(c.Type),
			URL:         c.URL,
			Headers:     c.Headers,
			Command:     c.Command,
			Environment: c.Environment,
			Timeout:     c.Timeout,
		}
	}
	return out
}
