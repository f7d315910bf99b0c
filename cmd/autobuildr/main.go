// Command autobuildr drives the Feature backlog of a project through the
// Dependency Resolver, the Feature Compiler, and the Harness Kernel to
// completion, persisting every run's events and artifacts alongside the
// project's own feature database.
//
// Usage:
//
//	autobuildr run [--spec ROLE] [--materialize-agents] <project_dir>
//	autobuildr version
//	autobuildr help
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/ternarybob/arbor"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/rudiheydra/autobuildr/internal/artifacts"
	"github.com/rudiheydra/autobuildr/internal/compiler"
	"github.com/rudiheydra/autobuildr/internal/config"
	"github.com/rudiheydra/autobuildr/internal/depgraph"
	"github.com/rudiheydra/autobuildr/internal/events"
	"github.com/rudiheydra/autobuildr/internal/executor"
	"github.com/rudiheydra/autobuildr/internal/gate"
	"github.com/rudiheydra/autobuildr/internal/httpapi"
	"github.com/rudiheydra/autobuildr/internal/kernel"
	"github.com/rudiheydra/autobuildr/internal/logger"
	"github.com/rudiheydra/autobuildr/internal/model"
	"github.com/rudiheydra/autobuildr/internal/orchestrator"
	"github.com/rudiheydra/autobuildr/internal/store"
	"github.com/rudiheydra/autobuildr/pkg/llm"
)

// version is set via -ldflags at build time.
var version = "dev"

// Exit codes, per the CLI's external contract.
const (
	exitSuccess          = 0
	exitUnrecoverable    = 1
	exitCycleGated       = 2
	exitConfigurationErr = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitConfigurationErr
	}

	switch args[0] {
	case "version", "-v", "--version":
		fmt.Printf("autobuildr version %s\n", version)
		return exitSuccess
	case "help", "-h", "--help":
		printUsage()
		return exitSuccess
	case "run":
		return cmdRun(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		return exitConfigurationErr
	}
}

func printUsage() {
	fmt.Println(`autobuildr - autonomous agent orchestrator

Usage:
  autobuildr run [--spec ROLE] [--materialize-agents] <project_dir>
  autobuildr version
  autobuildr help

Flags:
  --spec ROLE            Run a single Static Spec Adapter legacy role
                          (initializer, coder, tester) instead of draining
                          the project's feature backlog.
  --materialize-agents   Write compiled AgentSpecs as markdown snapshots
                          under <project_dir>/.claude/agents/generated/
                          and exit without executing anything.
  --config PATH          Path to a TOML configuration file.

Exit codes:
  0  success
  2  startup refused: an unresolvable dependency cycle was found
  3  configuration error
  1  unrecoverable runtime error`)
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	specRole := fs.String("spec", "", "run a single Static Spec Adapter legacy role")
	materialize := fs.Bool("materialize-agents", false, "write AgentSpec snapshots and exit")
	configPath := fs.String("config", "", "path to a TOML configuration file")
	if err := fs.Parse(args); err != nil {
		return exitConfigurationErr
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "run requires exactly one <project_dir> argument")
		return exitConfigurationErr
	}
	projectDir := fs.Arg(0)

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitConfigurationErr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return exitConfigurationErr
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "prepare data directory: %v\n", err)
		return exitConfigurationErr
	}

	log := logger.SetupLogger(cfg)
	defer logger.Stop()
	log.Info().Str("project_dir", projectDir).Str("version", version).Msg("autobuildr starting")

	slogLog := slog.Default()

	meterProvider := sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(meterProvider)
	defer func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("meter provider shutdown failed")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(ctx, projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open project database: %v\n", err)
		return exitUnrecoverable
	}
	defer db.Close()

	if n, err := db.ClearOrphanedArtifactRefs(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to clear orphaned artifact refs")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("cleared orphaned artifact references")
	}

	artifactStore, err := artifacts.New(projectDir, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open artifact store: %v\n", err)
		return exitUnrecoverable
	}
	recorder := events.NewRecorder(db, artifactStore)
	acceptanceGate := gate.New()

	retryConfig := kernel.RetryConfig{
		MaxAttempts:    cfg.Kernel.RetryMaxAttempts,
		InitialBackoff: time.Duration(cfg.Kernel.RetryInitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Kernel.RetryMaxBackoffMs) * time.Millisecond,
		Multiplier:     cfg.Kernel.RetryMultiplier,
	}
	k := kernel.New(db, db, recorder, acceptanceGate, slogLog, retryConfig, cfg.Kernel.PerHourTurnLimit)

	if recovered, err := k.RecoverOrphans(ctx); err != nil {
		log.Warn().Err(err).Msg("crash recovery scan failed")
	} else if len(recovered) > 0 {
		log.Warn().Int("count", len(recovered)).Msg("recovered orphaned runs from a previous crash")
	}

	router := setupRouter(cfg)
	tools, toolDefs := setupTools(ctx, cfg, log)
	newExecutor := func(spec *model.AgentSpec) executor.Executor {
		return buildExecutor(cfg, router, tools, toolDefs, spec.TaskType)
	}

	if *materialize {
		return cmdMaterialize(ctx, projectDir, db, log)
	}

	if cfg.API.Enabled {
		srv := httpapi.NewServer(httpapi.Config{
			APIKey:          cfg.API.APIKey,
			AllowedOrigins:  cfg.API.AllowedOrigins,
			RequestTimeout:  time.Duration(cfg.API.RequestTimeout) * time.Second,
			AllowRemoteBind: cfg.API.AllowRemoteBind,
		}, db, k)
		host := cfg.Service.Host
		if !cfg.API.AllowRemoteBind {
			host = "127.0.0.1"
		}
		addr := fmt.Sprintf("%s:%d", host, cfg.Service.Port)
		httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
		go func() {
			log.Info().Str("addr", addr).Msg("httpapi surface listening")
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("httpapi surface stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Service.ShutdownTimeout)*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
	}

	if *specRole != "" {
		return runStaticRole(ctx, projectDir, *specRole, db, k, newExecutor, log)
	}

	resolver := depgraph.New(slogLog)
	comp := compiler.New(projectDir, &compiler.NameAllocator{})
	orch := orchestrator.New(db, db, db, resolver, comp, k, newExecutor, slogLog, orchestrator.Config{
		MaxConcurrency: cfg.Orchestrator.MaxConcurrency,
		UseKernel:      cfg.Orchestrator.UseKernel,
	})

	if err := orch.Run(ctx, projectDir); err != nil {
		if cycleErr, ok := err.(*orchestrator.CycleError); ok {
			fmt.Fprintf(os.Stderr, "dependency graph refuses to start: %v\n", cycleErr)
			return exitCycleGated
		}
		fmt.Fprintf(os.Stderr, "orchestrator run failed: %v\n", err)
		return exitUnrecoverable
	}

	log.Info().Msg("autobuildr run complete")
	return exitSuccess
}

// setupRouter wires the illustrative Turn Executor's model selection: the
// configured provider is tried first, the other is tried on any error
// except an auth error, and a Router picks which of
// that pair's models serves a given AgentSpec.TaskType group.
func setupRouter(cfg *config.Config) *llm.Router {
	anthropic := llm.NewAnthropicProvider(cfg.LLM.APIKey)
	ollama := llm.NewOllamaProvider("http://localhost:11434")

	var multi *llm.MultiProvider
	if strings.ToLower(cfg.LLM.Provider) == "anthropic" {
		multi = llm.NewMultiProvider(anthropic, ollama)
	} else {
		multi = llm.NewMultiProvider(ollama, anthropic)
	}

	router := llm.NewRouter(multi)
	if cfg.LLM.Model != "" {
		router.SetDefaultModel(cfg.LLM.Model)
	}
	if cfg.LLM.PlanningModel != "" {
		router.SetPlanningModel(cfg.LLM.PlanningModel)
	}
	if cfg.LLM.ExecutionModel != "" {
		router.SetExecutionModel(cfg.LLM.ExecutionModel)
	}
	if cfg.LLM.ValidationModel != "" {
		router.SetValidationModel(cfg.LLM.ValidationModel)
	}
	return router
}

// setupTools starts the configured stdio MCP server, completes its
// initialize handshake, and lists its tool surface once so the Turn
// Executor can advertise it on every completion request. An empty
// MCPServerCommand, or any failure along the way, runs tool-free turns.
func setupTools(ctx context.Context, cfg *config.Config, log arbor.ILogger) (executor.Tools, []llm.Tool) {
	if cfg.LLM.MCPServerCommand == "" {
		return nil, nil
	}

	mcpClient, err := client.NewStdioMCPClient(cfg.LLM.MCPServerCommand, nil, []string(cfg.LLM.MCPServerArgs)...)
	if err != nil {
		log.Warn().Err(err).Msg("failed to start MCP server; running tool-free turns")
		return nil, nil
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "autobuildr", Version: version}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		log.Warn().Err(err).Msg("MCP initialize handshake failed; running tool-free turns")
		return nil, nil
	}

	listed, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		log.Warn().Err(err).Msg("MCP list_tools failed; running tool-free turns")
		return nil, nil
	}

	toolDefs := executor.ToolDefsFromMCP(listed.Tools)
	log.Info().Int("count", len(toolDefs)).Msg("MCP tool surface discovered")
	return mcpClient, toolDefs
}

// selectProvider routes an AgentSpec's task type onto the router's three
// model groups: audit and testing turns validate against the validation
// model, documentation and custom turns use the planning model, coding
// and refactoring turns execute against the execution model.
func selectProvider(router *llm.Router, taskType model.TaskType) llm.Provider {
	switch taskType {
	case model.TaskTypeAudit, model.TaskTypeTesting:
		return router.ForValidation()
	case model.TaskTypeDocumentation, model.TaskTypeCustom:
		return router.ForPlanning()
	default:
		return router.ForExecution()
	}
}

// buildExecutor constructs the illustrative Turn Executor for a single
// AgentSpec, selecting its model by task type and advertising whatever
// tool surface setupTools discovered at startup.
func buildExecutor(cfg *config.Config, router *llm.Router, tools executor.Tools, toolDefs []llm.Tool, taskType model.TaskType) executor.Executor {
	return executor.NewMCPExecutor(selectProvider(router, taskType), tools, cfg.LLM.Model, cfg.LLM.MaxTokens, toolDefs)
}

func runStaticRole(ctx context.Context, projectDir, role string, db *store.Store, k *kernel.Kernel, newExecutor func(*model.AgentSpec) executor.Executor, log arbor.ILogger) int {
	adapter := compiler.NewStaticSpecAdapter(projectDir)
	spec, acceptance, err := adapter.Adapt(role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "adapt legacy role %q: %v\n", role, err)
		return exitUnrecoverable
	}
	if err := db.InsertAgentSpec(ctx, spec); err != nil {
		fmt.Fprintf(os.Stderr, "insert agent spec: %v\n", err)
		return exitUnrecoverable
	}
	if err := db.InsertAcceptanceSpec(ctx, acceptance); err != nil {
		fmt.Fprintf(os.Stderr, "insert acceptance spec: %v\n", err)
		return exitUnrecoverable
	}

	agentRun := model.NewAgentRun(uuid.NewString(), spec.ID)
	if err := db.InsertAgentRun(ctx, agentRun); err != nil {
		fmt.Fprintf(os.Stderr, "insert agent run: %v\n", err)
		return exitUnrecoverable
	}

	finished, err := k.Execute(ctx, spec, acceptance, agentRun, newExecutor(spec), projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel execute: %v\n", err)
		return exitUnrecoverable
	}

	log.Info().Str("run_id", finished.ID).Str("status", string(finished.Status)).Msg("legacy role run complete")
	if finished.FinalVerdict == nil || *finished.FinalVerdict != model.VerdictPassed {
		return exitUnrecoverable
	}
	return exitSuccess
}

func cmdMaterialize(ctx context.Context, projectDir string, db *store.Store, log arbor.ILogger) int {
	features, err := db.ListFeatures(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list features: %v\n", err)
		return exitUnrecoverable
	}
	comp := compiler.New(projectDir, &compiler.NameAllocator{})
	outDir := config.GeneratedAgentsDir(projectDir)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "create materialization dir: %v\n", err)
		return exitUnrecoverable
	}

	written := 0
	for _, f := range features {
		if f.Passes {
			continue
		}
		spec, _, err := comp.Compile(f)
		if err != nil {
			log.Warn().Err(err).Int("feature_id", f.ID).Msg("skipping feature: compile failed")
			continue
		}
		path := outDir + "/" + spec.Name + ".md"
		if err := os.WriteFile(path, []byte(materializeMarkdown(spec)), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
			return exitUnrecoverable
		}
		written++
	}
	log.Info().Int("count", written).Msg("materialized agent snapshots (never executed)")
	return exitSuccess
}

// materializeMarkdown renders an AgentSpec as a static snapshot. It is
// never read back by autobuildr itself; the file exists purely as an
// inspectable artifact for a human reviewer.
func materializeMarkdown(spec *model.AgentSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", spec.DisplayName)
	fmt.Fprintf(&b, "**Task type:** %s\n\n", spec.TaskType)
	fmt.Fprintf(&b, "**Objective:**\n\n%s\n\n", spec.Objective)
	fmt.Fprintf(&b, "**Max turns:** %d  **Timeout:** %ds\n\n", spec.MaxTurns, spec.TimeoutSeconds)
	fmt.Fprintf(&b, "**Allowed tools:** %s\n", strings.Join(spec.ToolPolicy.AllowedTools, ", "))
	return b.String()
}
