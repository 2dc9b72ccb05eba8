// Package runtime assembles a complete agent from its parts: configuration,
// persistence, the audit chain, the service registry and buses, the DMA
// pipeline, conscience, handlers, and the processor, wired in dependency
// order. The runtime also carries the operator control surface and the
// signed emergency shutdown path; transports mount on top of those typed
// methods. Only the in-process reference providers register here; chat
// surfaces, tools, and wise authorities arrive later as adapters.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ciris/internal/audit"
	"ciris/internal/buses"
	"ciris/internal/clock"
	"ciris/internal/config"
	"ciris/internal/conscience"
	"ciris/internal/dma"
	"ciris/internal/handlers"
	"ciris/internal/logging"
	"ciris/internal/persistence"
	"ciris/internal/processor"
	llmprov "ciris/internal/providers/llm"
	memprov "ciris/internal/providers/memory"
	"ciris/internal/registry"
	"ciris/internal/secrets"
	"ciris/internal/telemetry"
	"ciris/internal/types"
)

// masterSecretEnv names the environment variable consulted when Options
// carries no master secret. Without either, the secrets bus stays unstaffed
// and ingress content passes through unfiltered.
const masterSecretEnv = "CIRIS_MASTER_SECRET"

// collectorInterval paces the breaker-state sampler.
const collectorInterval = 30 * time.Second

// Options configures runtime assembly. Zero values run an offline agent on
// defaults: mock LLM, no secrets vault, no config file.
type Options struct {
	// ConfigPath locates the persistent YAML config. Empty starts from
	// defaults; persistent-scope config writes then have nowhere to land
	// and fail.
	ConfigPath string
	// Config overrides loading from ConfigPath. Tests inject here.
	Config *config.Config
	// Clock defaults to the system clock.
	Clock clock.Clock
	// MasterSecret keys the secrets vault. Empty falls back to the
	// CIRIS_MASTER_SECRET environment variable.
	MasterSecret string
	// WatchConfig hot-reloads the persistent scope when the file changes
	// on disk. Requires ConfigPath.
	WatchConfig bool
}

// Runtime is the assembled agent. Construct with New, drive with Run, and
// release with Close.
type Runtime struct {
	clk clock.Clock
	cfg *config.Manager

	store     *persistence.Store
	chain     *audit.Service
	vault     *secrets.Service // nil without a master secret
	recorder  *telemetry.Service
	collector *telemetry.Collector // nil when telemetry is disabled
	registry  *registry.Registry
	buses     *buses.Manager
	pipeline  *dma.Pipeline
	proc      *processor.Processor
	watcher   *config.Watcher // nil unless watching

	gemini *llmprov.Gemini // closed on shutdown; nil for other providers

	adapterMu sync.Mutex
	adapters  map[string][]string // adapter name -> registry handles

	closeOnce sync.Once
	closeErr  error
}

// New wires the full agent in dependency order: clock, config, logging,
// persistence, audit, registry, telemetry, buses, providers, DMAs,
// conscience, handlers, processor. A failure part-way releases everything
// already opened.
func New(opts Options) (*Runtime, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.Storage.DataDir, logging.Options{
		Debug:      cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.Boot("assembling %s v%s (domain %s)", cfg.Agent.Name, cfg.Agent.Version, cfg.Agent.Domain)

	r := &Runtime{clk: clk, adapters: make(map[string][]string)}
	fail := func(err error) (*Runtime, error) {
		r.Close()
		return nil, err
	}

	r.store, err = persistence.NewStore(cfg.MainDBPath(), clk)
	if err != nil {
		return fail(fmt.Errorf("failed to open main store: %w", err))
	}
	// A graceful shutdown sweeps its in-flight thoughts to FAILED, so any
	// PROCESSING row at boot is a crash orphan; re-queue it for the next
	// round.
	if _, err := r.store.RecoverProcessingThoughts(context.Background()); err != nil {
		return fail(fmt.Errorf("failed to recover in-flight thoughts: %w", err))
	}
	r.chain, err = audit.NewService(cfg.JournalPath(), cfg.AuditDBPath(), cfg.Audit.SigningAlgorithm, clk)
	if err != nil {
		return fail(fmt.Errorf("failed to open audit chain: %w", err))
	}

	r.registry = registry.NewRegistry(cfg.Breaker.FailureThreshold, cfg.BreakerResetTimeout(), clk)

	var recorder buses.CorrelationRecorder
	if cfg.Telemetry.Enabled {
		r.recorder = telemetry.NewService(r.store, clk)
		r.collector = telemetry.NewCollector(r.registry, collectorInterval)
		recorder = r.recorder
	}
	r.buses = buses.NewManager(r.registry, recorder, clk)

	if err := r.registerProviders(cfg, opts); err != nil {
		return fail(err)
	}

	model := cfg.LLM.Model
	con := conscience.New(conscience.Thresholds{
		Entropy:   cfg.Conscience.EntropyThreshold,
		Coherence: cfg.Conscience.CoherenceThreshold,
	})
	r.pipeline = dma.NewPipeline(
		dma.NewPDMA(r.buses.LLM, model),
		dma.NewCSDMA(r.buses.LLM, model),
		dma.NewRuleKernel(cfg.Agent.Domain, ""),
		dma.NewLLMSelector(r.buses.LLM, model),
		con,
		r.buses.Memory,
		dma.Options{
			MaxThoughtDepth: cfg.Limits.MaxThoughtDepth,
			Timeout:         cfg.DMATimeout(),
			RetryLimit:      cfg.Limits.DMARetryLimit,
			VarianceLimit:   cfg.Conscience.IdentityVarianceThreshold,
		},
	)

	set := handlers.NewSet(handlers.Deps{
		Buses:  r.buses,
		Store:  r.store,
		Clock:  clk,
		Signer: r.chain.Signer(),
	})

	r.proc = processor.New(processor.Deps{
		Store:    r.store,
		Buses:    r.buses,
		Pipeline: r.pipeline,
		Handlers: set,
		Registry: r.registry,
		Chain:    r.chain,
		Clock:    clk,
	}, processor.Options{
		MaxActiveThoughts: cfg.Limits.MaxActiveThoughts,
		RoundDelay:        cfg.RoundDelay(),
		StartupTimeout:    cfg.StartupTimeout(),
		ShutdownGrace:     cfg.ShutdownGrace(),
		Retention:         time.Duration(cfg.Telemetry.RetentionHours) * time.Hour,
	})
	r.buses.BindShutdownRequester(r.proc)
	r.registry.Register(types.ServiceRuntimeControl, "processor", r.proc,
		types.PriorityNormal, types.CapProcessorControl)

	if err := r.ensureIdentityRoot(context.Background(), cfg); err != nil {
		return fail(err)
	}

	r.cfg = config.NewManager(opts.ConfigPath, cfg)
	r.cfg.OnChange(func(c *config.Config) {
		logging.Reconfigure(logging.Options{
			Debug:      c.Logging.Debug,
			Level:      c.Logging.Level,
			JSONFormat: c.Logging.JSONFormat,
			Categories: c.Logging.Categories,
		})
	})
	if opts.WatchConfig && opts.ConfigPath != "" {
		r.watcher, err = config.NewWatcher(r.cfg)
		if err != nil {
			return fail(err)
		}
	}

	logging.Boot("runtime assembled: audit seq %d, %d service registrations",
		r.chain.LastSequence(), len(r.registry.List()))
	return r, nil
}

// loadConfig resolves the effective base config from Options.
func loadConfig(opts Options) (*config.Config, error) {
	if opts.Config != nil {
		if err := opts.Config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return opts.Config, nil
	}
	if opts.ConfigPath != "" {
		return config.Load(opts.ConfigPath)
	}
	return config.DefaultConfig(), nil
}

// registerProviders installs the in-process reference providers: the LLM
// named by config, local graph memory, the audit chain, telemetry, and the
// secrets vault when a master secret is present.
func (r *Runtime) registerProviders(cfg *config.Config, opts Options) error {
	llm, err := r.buildLLM(cfg)
	if err != nil {
		return err
	}
	llmName := cfg.LLM.Provider
	if llmName == "" {
		llmName = "mock"
	}
	r.registry.Register(types.ServiceLLM, llmName, llm,
		types.PriorityNormal, types.CapGenerateStructured)

	r.registry.Register(types.ServiceMemory, "local-graph", memprov.NewLocalGraph(r.store),
		types.PriorityNormal,
		types.CapMemoryPut, types.CapMemoryGet, types.CapMemoryDelete, types.CapMemoryQuery)

	// The hash chain registers critical so external mirrors slot beneath it.
	r.registry.Register(types.ServiceAudit, "chain", r.chain,
		types.PriorityCritical, types.CapAuditLog)

	if r.recorder != nil {
		r.registry.Register(types.ServiceTelemetry, "correlations", r.recorder,
			types.PriorityNormal, types.CapRecordMetric, types.CapRecordCorrelation)
	}

	master := opts.MasterSecret
	if master == "" {
		master = os.Getenv(masterSecretEnv)
	}
	if master == "" {
		logging.Boot("no master secret; secrets bus unstaffed, ingress passes content through")
		return nil
	}
	r.vault, err = secrets.New(cfg.SecretsDBPath(), master, r.clk)
	if err != nil {
		return fmt.Errorf("failed to open secrets vault: %w", err)
	}
	r.registry.Register(types.ServiceSecrets, "vault", r.vault,
		types.PriorityNormal, types.CapEncapsulate, types.CapDecapsulate)
	return nil
}

// buildLLM constructs the provider named by cfg.LLM.Provider.
func (r *Runtime) buildLLM(cfg *config.Config) (buses.LLMProvider, error) {
	switch cfg.LLM.Provider {
	case "mock", "":
		return llmprov.NewMock(), nil
	case "openai":
		timeout, _ := time.ParseDuration(cfg.LLM.Timeout)
		return llmprov.NewOpenAICompat(llmprov.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: timeout,
		})
	case "gemini":
		g, err := llmprov.NewGemini(cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			return nil, err
		}
		r.gemini = g
		return g, nil
	default:
		return nil, types.Validation("runtime.new", "unknown llm provider %q", cfg.LLM.Provider)
	}
}

// ensureIdentityRoot writes the agent's identity node on first boot so the
// WAKEUP identity check has something to find. An existing root is left
// untouched; identity changes go through MEMORIZE with authority guidance.
func (r *Runtime) ensureIdentityRoot(ctx context.Context, cfg *config.Config) error {
	_, err := r.store.GetNode(ctx, types.IdentityRootID, types.ScopeIdentity)
	if err == nil {
		return nil
	}
	if !types.IsKind(err, types.ErrNotFound) {
		return fmt.Errorf("failed to read identity root: %w", err)
	}

	_, err = r.store.PutNode(ctx, types.GraphNode{
		ID:    types.IdentityRootID,
		Type:  types.NodeIdentity,
		Scope: types.ScopeIdentity,
		Attributes: map[string]any{
			"name":        cfg.Agent.Name,
			"version":     cfg.Agent.Version,
			"description": cfg.Agent.Description,
			"domain":      cfg.Agent.Domain,
		},
		UpdatedBy: "runtime",
	})
	if err != nil {
		return fmt.Errorf("failed to seed identity root: %w", err)
	}
	logging.Boot("seeded identity root for %s", cfg.Agent.Name)
	return nil
}

// Run boots the agent and blocks until it shuts down: wakeup checks, the
// round loop, wind-down. The config watcher and breaker sampler run for the
// same span.
func (r *Runtime) Run(ctx context.Context) error {
	if r.watcher != nil {
		r.watcher.Start(ctx)
	}
	if r.collector != nil {
		r.collector.Start()
	}
	return r.proc.Run(ctx)
}

// RequestShutdown asks the processor to wind down gracefully. The first
// reason wins; later calls are no-ops.
func (r *Runtime) RequestShutdown(reason string) {
	r.proc.RequestGracefulShutdown(reason)
}

// State returns the processor's cognitive state.
func (r *Runtime) State() types.CognitiveState {
	return r.proc.State()
}

// Config returns the scoped configuration manager.
func (r *Runtime) Config() *config.Manager {
	return r.cfg
}

// Audit exposes the chain for verification tooling.
func (r *Runtime) Audit() *audit.Service {
	return r.chain
}

// Close releases every resource the runtime opened, newest first. Safe to
// call after a failed New and after Run returns.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		if r.watcher != nil {
			r.watcher.Stop()
		}
		if r.collector != nil {
			r.collector.Stop()
		}
		if r.gemini != nil {
			r.gemini.Close()
		}
		if r.vault != nil {
			if err := r.vault.Close(); err != nil && r.closeErr == nil {
				r.closeErr = err
			}
		}
		if r.chain != nil {
			if err := r.chain.Close(); err != nil && r.closeErr == nil {
				r.closeErr = err
			}
		}
		if r.store != nil {
			if err := r.store.Close(); err != nil && r.closeErr == nil {
				r.closeErr = err
			}
		}
		logging.CloseAll()
	})
	return r.closeErr
}

// =============================================================================
// INGRESS
// =============================================================================

// SubmitMessage is the single entry point for external work: triage through
// the filter bus, secrets lifted out of the content, then a task created,
// activated, audited, and handed to the processor.
func (r *Runtime) SubmitMessage(ctx context.Context, msg types.IncomingMessage) (string, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return "", types.Validation("runtime.submit", "message content is empty")
	}
	if msg.ChannelID == "" {
		return "", types.Validation("runtime.submit", "channel id is required")
	}

	decision, err := r.buses.Filter.FilterMessage(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("failed to triage message: %w", err)
	}
	if !decision.Accepted || decision.Priority == types.FilterIgnore {
		logging.Processor("ingress dropped message from %s on %s: %s",
			msg.AuthorID, msg.ChannelID, strings.Join(decision.Reasons, ", "))
		return "", types.Validation("runtime.submit", "message rejected by filter")
	}

	enc, err := r.buses.Secrets.Encapsulate(ctx, msg.Content, "ingress:"+msg.ChannelID)
	if err != nil {
		return "", fmt.Errorf("failed to filter secrets from message: %w", err)
	}

	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	task := &types.Task{
		TaskID:      uuid.NewString(),
		Description: enc.Content,
		Status:      types.TaskPending,
		Priority:    taskPriority(decision.Priority),
		Context: types.TaskContext{
			ChannelID:     msg.ChannelID,
			AuthorID:      msg.AuthorID,
			AuthorName:    msg.AuthorName,
			CorrelationID: correlationID,
		},
	}
	if err := r.store.AddTask(ctx, task); err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	if err := r.store.UpdateTaskStatus(ctx, task.TaskID, types.TaskActive); err != nil {
		return "", fmt.Errorf("failed to activate task: %w", err)
	}

	// An unaudited task must not run: roll it to FAILED and refuse.
	if err := r.auditTaskCreated(ctx, task, decision, len(enc.Refs)); err != nil {
		if ferr := r.store.UpdateTaskStatus(ctx, task.TaskID, types.TaskFailed); ferr != nil {
			logging.ProcessorError("failed to fail unaudited task %s: %v", task.TaskID, ferr)
		}
		return "", fmt.Errorf("failed to audit task creation: %w", err)
	}

	r.proc.Wake()
	logging.Processor("ingress accepted message from %s on %s as task %s (priority %s)",
		msg.AuthorID, msg.ChannelID, task.TaskID, decision.Priority)
	return task.TaskID, nil
}

func (r *Runtime) auditTaskCreated(ctx context.Context, task *types.Task, decision types.FilterDecision, secretsLifted int) error {
	payload := map[string]any{
		"task_id":         task.TaskID,
		"channel_id":      task.Context.ChannelID,
		"author_id":       task.Context.AuthorID,
		"filter_priority": string(decision.Priority),
	}
	if secretsLifted > 0 {
		payload["secrets_lifted"] = secretsLifted
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	return r.buses.Audit.LogEvent(ctx, types.AuditEvent{
		EventType:    types.AuditTaskCreated,
		OriginatorID: task.Context.AuthorID,
		Payload:      data,
	})
}

// taskPriority maps filter triage bands onto the task queue's integer
// priority, where higher runs first.
func taskPriority(p types.FilterPriority) int {
	switch p {
	case types.FilterCritical:
		return 3
	case types.FilterHigh:
		return 2
	case types.FilterLow:
		return 0
	default:
		return 1
	}
}
