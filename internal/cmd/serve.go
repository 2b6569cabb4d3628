package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/brightloom-dev/llmgateway/internal/config"
	"github.com/brightloom-dev/llmgateway/internal/copilotauth"
	"github.com/brightloom-dev/llmgateway/internal/executor"
	"github.com/brightloom-dev/llmgateway/internal/provider"
	"github.com/brightloom-dev/llmgateway/internal/registry"
	"github.com/brightloom-dev/llmgateway/internal/traffic"
	"github.com/brightloom-dev/llmgateway/internal/usageledger"
	"github.com/brightloom-dev/llmgateway/sdk/api/handlers"
	coreauth "github.com/brightloom-dev/llmgateway/sdk/cliproxy/auth"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const maxTokensCap = 10240 // Copilot's max_tokens ceiling; compat providers are not clamped

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `serve loads the gateway config, builds the provider registry (GitHub
Copilot accounts plus any OpenAI-compatible/Anthropic-compatible upstreams),
and starts listening for OpenAI chat-completions requests.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "config.yaml", "Path to the gateway config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.Warnf("serve: unrecognised log_level %q, leaving at default", cfg.LogLevel)
	}

	mgr := coreauth.NewManager(nil, coreauth.NewRoundRobinSelector(), coreauth.NoopHook{})
	models := registry.GetGlobalRegistry()
	requestTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second

	reg, err := provider.Build(cfg, mgr, newExecutorFor(cfg, requestTimeout, models))
	if err != nil {
		return fmt.Errorf("building provider registry: %w", err)
	}

	var recorder *traffic.Recorder
	if cfg.RecordTraffic {
		recorder = traffic.NewRecorder(traffic.Config{Path: "traffic.ndjson"})
		defer recorder.Close()
		log.Info("serve: traffic recording enabled, writing to traffic.ndjson")
	}

	var ledger *usageledger.Ledger
	if cfg.UsageLedger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ledger, err = usageledger.Open(ctx, cfg.UsageLedger.DSN)
		cancel()
		if err != nil {
			return fmt.Errorf("opening usage ledger: %w", err)
		}
		defer ledger.Close()
		log.Info("serve: usage ledger enabled")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	handlers.NewHandler(cfg, reg, models, recorder, ledger).RegisterRoutes(engine)

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      engine,
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("serve: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Errorf("serve: forced shutdown: %v", err)
		}
		close(done)
	}()

	log.Infof("serve: listening on %s", cfg.Listen)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	<-done
	log.Info("serve: stopped")
	return nil
}

// newExecutorFor returns the factory provider.Build uses to construct one
// ProviderExecutor per configured provider, registering its static model
// catalogue into models as a side effect.
func newExecutorFor(cfg *config.GatewayConfig, requestTimeout time.Duration, models *registry.Registry) func(config.ProviderConfig) (coreauth.ProviderExecutor, error) {
	return func(p config.ProviderConfig) (coreauth.ProviderExecutor, error) {
		switch p.Type {
		case config.ProviderGitHubCopilot:
			models.RegisterClient(p.ID, string(p.Type), p.Priority, registry.GetCopilotModels())
			flow := copilotauth.NewFlow(nil)
			return executor.NewCopilotExecutor(flow, cfg.ProxyURL, requestTimeout, maxTokensCap), nil
		case config.ProviderOpenAICompatible:
			models.RegisterClient(p.ID, string(p.Type), p.Priority, modelsForMapping(p, registry.GetGenericCompatModels()))
			return executor.NewOpenAIExecutor(p.ID, p.BaseURL, p.APIKey, p.ModelMapping, requestTimeout, cfg.ProxyURL), nil
		case config.ProviderAnthropicCompatible:
			models.RegisterClient(p.ID, string(p.Type), p.Priority, modelsForMapping(p, registry.GetGenericCompatModels()))
			return executor.NewAnthropicExecutor(p.ID, p.BaseURL, p.APIKey, p.AnthropicVersion, p.ModelMapping, requestTimeout, cfg.ProxyURL), nil
		default:
			return nil, fmt.Errorf("unknown provider type %q", p.Type)
		}
	}
}

// modelsForMapping returns base plus one synthetic, UserDefined ModelInfo
// per client-facing name in p.ModelMapping that base doesn't already cover,
// so a model a compat provider only knows by an operator-chosen alias still
// appears in /v1/models.
func modelsForMapping(p config.ProviderConfig, base []*registry.ModelInfo) []*registry.ModelInfo {
	known := make(map[string]struct{}, len(base))
	for _, m := range base {
		known[m.ID] = struct{}{}
	}
	aliases := make([]string, 0, len(p.ModelMapping))
	for clientModel := range p.ModelMapping {
		if _, ok := known[clientModel]; !ok {
			aliases = append(aliases, clientModel)
		}
	}
	sort.Strings(aliases)

	out := append([]*registry.ModelInfo{}, base...)
	for _, clientModel := range aliases {
		out = append(out, &registry.ModelInfo{ID: clientModel, Object: "model", OwnedBy: p.ID, UserDefined: true})
	}
	return out
}
