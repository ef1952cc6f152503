package run

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/config"
	"github.com/vinayprograms/agentrun/internal/event"
	"github.com/vinayprograms/agentrun/internal/expert"
	"github.com/vinayprograms/agentrun/internal/skill"
)

// DelegateSkillName is the skill that offers one tool per delegate expert.
const DelegateSkillName = "delegate"

// SkillFactory builds the skill managers of one loop iteration. The
// managers are returned uninitialized.
type SkillFactory interface {
	Managers(ctx context.Context, def *expert.Definition, delegates []*expert.Definition, setting checkpoint.Setting) ([]skill.Manager, error)
}

// SkillFactoryFunc adapts a function to SkillFactory.
type SkillFactoryFunc func(ctx context.Context, def *expert.Definition, delegates []*expert.Definition, setting checkpoint.Setting) ([]skill.Manager, error)

func (f SkillFactoryFunc) Managers(ctx context.Context, def *expert.Definition, delegates []*expert.Definition, setting checkpoint.Setting) ([]skill.Manager, error) {
	return f(ctx, def, delegates, setting)
}

// SkillFactoryConfig configures the default factory.
type SkillFactoryConfig struct {
	// Workspace confines the in-process base skill's file tools.
	Workspace string
	// BaseCommand runs the base skill as a subprocess instead.
	BaseCommand string
	BaseArgs    []string
	AllowEnv    []string
	InitTimeout time.Duration
	CallTimeout time.Duration
	Emitter     *event.Emitter
	Resolver    skill.Resolver
}

// ConfigSkills is the default factory: the base skill, the expert's
// declared skills and, when the expert has delegates, a delegate skill.
type ConfigSkills struct {
	cfg SkillFactoryConfig
}

// NewSkillFactory creates the default factory.
func NewSkillFactory(cfg SkillFactoryConfig) *ConfigSkills {
	return &ConfigSkills{cfg: cfg}
}

// FactoryConfigFrom maps the runtime configuration onto factory settings.
func FactoryConfigFrom(cfg *config.Config, emitter *event.Emitter) SkillFactoryConfig {
	return SkillFactoryConfig{
		Workspace:   cfg.Runtime.Workspace,
		BaseCommand: cfg.Runtime.BaseSkillCommand,
		BaseArgs:    cfg.Runtime.BaseSkillArgs,
		AllowEnv:    cfg.Env.Allow,
		InitTimeout: cfg.SkillInitTimeout(),
		CallTimeout: cfg.SkillCallTimeout(),
		Emitter:     emitter,
	}
}

func (f *ConfigSkills) Managers(ctx context.Context, def *expert.Definition, delegates []*expert.Definition, setting checkpoint.Setting) ([]skill.Manager, error) {
	lookup := envLookup(setting.Env)
	managers := []skill.Manager{f.base(lookup)}

	for _, name := range def.SkillNames() {
		if name == skill.BaseSkillName || name == DelegateSkillName {
			return nil, fmt.Errorf("expert %s: skill name %q is reserved", def.Key, name)
		}
		m, err := f.build(name, def.Skills[name], lookup)
		if err != nil {
			return nil, fmt.Errorf("expert %s: %w", def.Key, err)
		}
		managers = append(managers, m)
	}

	if len(delegates) > 0 {
		experts := make([]skill.DelegateExpert, 0, len(delegates))
		for _, d := range delegates {
			experts = append(experts, skill.DelegateExpert{Expert: d.Ref(), Description: d.Description})
		}
		managers = append(managers, skill.NewDelegate(DelegateSkillName, experts))
	}
	return managers, nil
}

func (f *ConfigSkills) options(sc config.SkillConfig) skill.Options {
	return skill.Options{
		Pick:        sc.Pick,
		Omit:        sc.Omit,
		LazyInit:    sc.LazyInit,
		InitTimeout: f.cfg.InitTimeout,
		CallTimeout: f.cfg.CallTimeout,
		Emitter:     f.cfg.Emitter,
	}
}

func (f *ConfigSkills) base(lookup func(string) (string, bool)) skill.Manager {
	if f.cfg.BaseCommand == "" {
		return skill.NewBase(f.cfg.Workspace)
	}
	return skill.NewStdio(skill.BaseSkillName, skill.StdioConfig{
		Command:  f.cfg.BaseCommand,
		Args:     f.cfg.BaseArgs,
		Dir:      f.cfg.Workspace,
		AllowEnv: f.cfg.AllowEnv,
		Lookup:   lookup,
	}, skill.Options{
		InitTimeout: f.cfg.InitTimeout,
		CallTimeout: f.cfg.CallTimeout,
		Emitter:     f.cfg.Emitter,
	})
}

func (f *ConfigSkills) build(name string, sc config.SkillConfig, lookup func(string) (string, bool)) (skill.Manager, error) {
	switch sc.Type {
	case config.SkillStdio:
		return skill.NewStdio(name, skill.StdioConfig{
			Command:     sc.Command,
			Args:        sc.Args,
			Dir:         f.cfg.Workspace,
			RequiredEnv: sc.RequiredEnv,
			AllowEnv:    f.cfg.AllowEnv,
			Lookup:      lookup,
		}, f.options(sc)), nil
	case config.SkillSSE:
		return skill.NewRemote(name, skill.RemoteConfig{
			URL:      sc.URL,
			Headers:  sc.Headers,
			Resolver: f.cfg.Resolver,
		}, f.options(sc)), nil
	case config.SkillInteractive:
		tools := make([]skill.InteractiveTool, 0, len(sc.Tools))
		for _, toolName := range slices.Sorted(maps.Keys(sc.Tools)) {
			it := sc.Tools[toolName]
			var schema map[string]interface{}
			if it.InputSchema != "" {
				if err := json.Unmarshal([]byte(it.InputSchema), &schema); err != nil {
					return nil, fmt.Errorf("skill %s: tool %s: invalid input schema: %w", name, toolName, err)
				}
			}
			tools = append(tools, skill.InteractiveTool{Name: toolName, Description: it.Description, InputSchema: schema})
		}
		return skill.NewInteractive(name, tools), nil
	default:
		return nil, fmt.Errorf("skill %s: unknown type %q", name, sc.Type)
	}
}

// envLookup resolves from the run's environment first, then the process.
func envLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := env[key]; ok {
			return v, true
		}
		return os.LookupEnv(key)
	}
}
