package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vinayprograms/agentkit/credentials"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/config"
	"github.com/vinayprograms/agentrun/internal/event"
	"github.com/vinayprograms/agentrun/internal/expert"
	"github.com/vinayprograms/agentrun/internal/generation"
	"github.com/vinayprograms/agentrun/internal/run"
	"github.com/vinayprograms/agentrun/internal/step"
	"github.com/vinayprograms/agentrun/internal/storage"
	"github.com/vinayprograms/agentrun/internal/storage/filestore"
	"github.com/vinayprograms/agentrun/internal/storage/redisstore"
	"github.com/vinayprograms/agentrun/internal/storage/sqlstore"
)

// runtime wires configuration into an orchestrator.
type runtime struct {
	cfg     *config.Config
	cfgDir  string
	creds   *credentials.Credentials
	printer event.Listener

	// Components
	provider llm.Provider
	store    storage.Backend
	telem    telemetry.Exporter
	emitter  *event.Emitter
	experts  *expert.Registry
	orch     *run.Orchestrator

	// Cleanup
	closers []func()
}

// loadConfig reads path, or agentrun.toml in the working directory. A
// missing default file yields the built-in defaults.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return nil, "", err
		}
		return cfg, filepath.Dir(path), nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}
	if _, err := os.Stat(filepath.Join(cwd, "agentrun.toml")); os.IsNotExist(err) {
		return config.New(), cwd, nil
	}
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, "", err
	}
	return cfg, cwd, nil
}

// newRuntime creates a runtime from loaded configuration.
func newRuntime(cfg *config.Config, cfgDir string, creds *credentials.Credentials) *runtime {
	return &runtime{cfg: cfg, cfgDir: cfgDir, creds: creds}
}

// setup initializes all runtime components. Returns error on failure;
// whatever was opened is released by cleanup.
func (rt *runtime) setup(ctx context.Context) error {
	if err := rt.openStore(ctx); err != nil {
		return err
	}
	if err := rt.setupTelemetry(); err != nil {
		return err
	}
	if err := rt.setupEmitter(); err != nil {
		return err
	}
	if err := rt.createProvider(); err != nil {
		return err
	}
	if err := rt.loadExperts(); err != nil {
		return err
	}
	rt.createOrchestrator()
	return nil
}

// openStore opens the configured storage backend.
func (rt *runtime) openStore(ctx context.Context) error {
	store, err := openBackend(ctx, rt.cfg)
	if err != nil {
		return err
	}
	rt.store = store
	rt.addCloser(func() { store.Close() })
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "file", "":
		return filestore.New(cfg.StoragePath())
	case "sqlite":
		path := cfg.StoragePath()
		if filepath.Ext(path) == "" {
			if err := os.MkdirAll(path, 0755); err != nil {
				return nil, fmt.Errorf("creating storage directory: %w", err)
			}
			path = filepath.Join(path, "agentrun.db")
		}
		return sqlstore.OpenSQLite(path)
	case "mysql":
		return sqlstore.OpenMySQL(cfg.Storage.DSN)
	case "redis":
		return redisstore.New(ctx, redisstore.Config{
			Address:  cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
			Prefix:   cfg.Storage.RedisPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry() error {
	var err error
	if rt.cfg.Telemetry.Enabled {
		rt.telem, err = telemetry.NewExporter(rt.cfg.Telemetry.Protocol, rt.cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("creating telemetry exporter: %w", err)
		}
	} else {
		rt.telem = telemetry.NewNoopExporter()
	}
	rt.addCloser(func() { rt.telem.Close() })
	return nil
}

// setupEmitter builds the listener chain: structured logs, telemetry,
// the console printer and any configured brokers.
func (rt *runtime) setupEmitter() error {
	listeners := []event.Listener{event.NewLogListener(), telemetryListener(rt.telem)}
	if rt.printer != nil {
		listeners = append(listeners, rt.printer)
	}

	if url := rt.cfg.Events.NATSURL; url != "" {
		nl, err := event.NewNATSListener(url, rt.cfg.Events.NATSSubject)
		if err != nil {
			return err
		}
		rt.addCloser(func() { nl.Close() })
		listeners = append(listeners, nl)
	}
	if url := rt.cfg.Events.AMQPURL; url != "" {
		al, err := event.NewAMQPListener(url, rt.cfg.Events.AMQPQueue)
		if err != nil {
			return err
		}
		rt.addCloser(func() { al.Close() })
		listeners = append(listeners, al)
	}

	rt.emitter = event.NewEmitter(rt.store, event.Multi(listeners...))
	return nil
}

// createProvider creates the LLM provider unless one was injected.
func (rt *runtime) createProvider() error {
	if rt.provider != nil {
		return nil
	}
	name := rt.cfg.LLM.Provider
	if name == "" {
		name = llm.InferProviderFromModel(rt.cfg.LLM.Model)
	}
	if name == "" && rt.cfg.LLM.Model == "" {
		return fmt.Errorf("LLM model not configured")
	}

	apiKey := rt.cfg.GetAPIKey()
	if apiKey == "" && rt.creds != nil {
		apiKey = rt.creds.GetAPIKey(name)
	}

	var err error
	rt.provider, err = llm.NewProvider(llm.ProviderConfig{
		Provider:  name,
		Model:     rt.cfg.LLM.Model,
		APIKey:    apiKey,
		MaxTokens: rt.cfg.LLM.MaxTokens,
		BaseURL:   rt.cfg.LLM.BaseURL,
		Thinking:  llm.ThinkingConfig{Level: llm.ThinkingLevel(rt.cfg.LLM.Thinking)},
	})
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}
	return nil
}

func (rt *runtime) loadExperts() error {
	reg, err := expert.NewRegistry(rt.cfg.Experts, rt.cfgDir)
	if err != nil {
		return fmt.Errorf("loading experts: %w", err)
	}
	rt.experts = reg
	return nil
}

func (rt *runtime) createOrchestrator() {
	machine := step.New(step.Config{
		Generator: generation.NewProviderGenerator(rt.provider, 0),
		Store:     rt.store,
		Emitter:   rt.emitter,
	})
	rt.orch = run.New(run.Config{
		Checkpoints:        rt.store,
		Jobs:               rt.store,
		Emitter:            rt.emitter,
		Experts:            rt.experts,
		Skills:             run.NewSkillFactory(run.FactoryConfigFrom(rt.cfg, rt.emitter)),
		Steps:              machine,
		Defaults:           rt.defaults(),
		MaxDelegationDepth: rt.cfg.Runtime.MaxDelegationDepth,
	})
}

// defaults is the setting every run starts from.
func (rt *runtime) defaults() checkpoint.Setting {
	return checkpoint.Setting{
		Model:             rt.cfg.LLM.Model,
		MaxSteps:          rt.cfg.Runtime.MaxSteps,
		MaxRetries:        rt.cfg.Runtime.MaxRetries,
		GenerationTimeout: rt.cfg.GenerationTimeout(),
		ContextWindow:     rt.cfg.Runtime.ContextWindow,
	}
}

// cleanup runs all registered cleanup functions.
func (rt *runtime) cleanup() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// addCloser registers a cleanup function.
func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// telemetryListener forwards run-scoped events to the exporter.
func telemetryListener(telem telemetry.Exporter) event.Listener {
	return event.ListenerFunc(func(ctx context.Context, ev event.Event) {
		if !event.RunScoped(ev) {
			return
		}
		h := ev.EventHeader()
		telem.LogEvent(string(h.Type), map[string]interface{}{
			"job_id": h.JobID,
			"run_id": h.RunID,
			"expert": h.ExpertKey,
			"step":   h.StepNumber,
		})
	})
}
