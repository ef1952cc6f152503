package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/replay"
	"github.com/vinayprograms/agentrun/internal/run"
)

// Run starts a job.
func (c *RunCmd) Run(ctx context.Context, cli *CLI) error {
	return c.exec(ctx, cli.Config, os.Stdout, os.Stderr, nil)
}

func (c *RunCmd) exec(ctx context.Context, cfgPath string, stdout, stderr io.Writer, provider llm.Provider) error {
	cfg, dir, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if c.Workspace != "" {
		cfg.Runtime.Workspace = c.Workspace
	}
	if c.MaxSteps > 0 {
		cfg.Runtime.MaxSteps = c.MaxSteps
	}

	rt := newRuntime(cfg, dir, globalCreds)
	rt.provider = provider
	rt.printer = newConsole(stderr)
	defer rt.cleanup()
	if err := rt.setup(ctx); err != nil {
		return err
	}

	s := rt.defaults()
	s.JobID = c.Job
	s.ExpertKey = c.Expert
	s.Input = checkpoint.Input{Text: c.Query}
	cp, err := rt.orch.Run(ctx, run.Params{Setting: s}, run.Options{})
	if err != nil {
		return err
	}
	return report(stdout, stderr, cp)
}

// Run continues a job.
func (c *ResumeCmd) Run(ctx context.Context, cli *CLI) error {
	return c.exec(ctx, cli.Config, os.Stdout, os.Stderr, nil)
}

func (c *ResumeCmd) exec(ctx context.Context, cfgPath string, stdout, stderr io.Writer, provider llm.Provider) error {
	cfg, dir, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	rt := newRuntime(cfg, dir, globalCreds)
	rt.provider = provider
	rt.printer = newConsole(stderr)
	defer rt.cleanup()
	if err := rt.setup(ctx); err != nil {
		return err
	}

	cp, err := rt.orch.Resume(ctx, run.ResumeRequest{
		JobID:        c.Job,
		CheckpointID: c.Checkpoint,
		Input:        c.Input,
	})
	if err != nil {
		return err
	}
	return report(stdout, stderr, cp)
}

// Run renders a stored job.
func (c *InspectCmd) Run(ctx context.Context, cli *CLI) error {
	return c.exec(ctx, cli.Config, os.Stdout)
}

func (c *InspectCmd) exec(ctx context.Context, cfgPath string, stdout io.Writer) error {
	cfg, _, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	opts := []replay.ReplayerOption{replay.WithWidth(c.Width)}
	if c.Cost != "" {
		in, out, err := parseCost(c.Cost)
		if err != nil {
			return fmt.Errorf("invalid --cost %q: %w", c.Cost, err)
		}
		opts = append(opts, replay.WithPricing(in, out))
	}

	store, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return replay.New(stdout, c.Verbose, opts...).ReplayJob(ctx, store, c.Job)
}

// Run prints the build information.
func (c *VersionCmd) Run() error {
	fmt.Printf("agentrun version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}

// report prints the outcome of a call. The final text goes to stdout;
// everything else goes to stderr.
func report(stdout, stderr io.Writer, cp *checkpoint.Checkpoint) error {
	switch cp.Status {
	case checkpoint.StatusCompleted:
		msg, _ := cp.LastMessage()
		fmt.Fprintln(stdout, msg.Text())
		fmt.Fprintf(stderr, "\n✓ Job %s complete (%d tokens)\n", cp.JobID, cp.Usage.TotalTokens)
		return nil

	case checkpoint.StatusStoppedByInteractiveTool:
		if tc, ok := waitingOn(cp); ok {
			fmt.Fprintf(stderr, "\n? %s.%s is waiting for input\n", tc.SkillName, tc.ToolName)
			for _, k := range slices.Sorted(maps.Keys(tc.Args)) {
				fmt.Fprintf(stderr, "    %s: %v\n", k, tc.Args[k])
			}
		}
		fmt.Fprintf(stderr, "\nResume with: agentrun resume --job %s --input \"...\"\n", cp.JobID)
		return nil

	case checkpoint.StatusStoppedByExceededMaxSteps:
		return fmt.Errorf("job %s stopped at step %d: step limit reached", cp.JobID, cp.StepNumber)

	case checkpoint.StatusStoppedByError:
		return fmt.Errorf("job %s failed: %s", cp.JobID, cp.Error)

	default:
		return fmt.Errorf("job %s ended with status %s", cp.JobID, cp.Status)
	}
}

// waitingOn returns the first pending call without a result.
func waitingOn(cp *checkpoint.Checkpoint) (checkpoint.ToolCall, bool) {
	answered := make(map[string]bool, len(cp.PartialToolResults))
	for _, tr := range cp.PartialToolResults {
		answered[tr.ID] = true
	}
	for _, tc := range cp.PendingToolCalls {
		if !answered[tc.ID] {
			return tc, true
		}
	}
	return checkpoint.ToolCall{}, false
}

// parseCost parses "input,output" prices per 1M tokens.
func parseCost(s string) (float64, float64, error) {
	prices := strings.Split(s, ",")
	if len(prices) != 2 {
		return 0, 0, fmt.Errorf("expected input,output prices")
	}
	in, err := strconv.ParseFloat(strings.TrimSpace(prices[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid input price: %w", err)
	}
	out, err := strconv.ParseFloat(strings.TrimSpace(prices[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid output price: %w", err)
	}
	return in, out, nil
}
