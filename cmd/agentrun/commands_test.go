package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/storage/filestore"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	store := filepath.Join(dir, "store")
	content := `
[llm]
model = "mock"

[runtime]
workspace = "` + dir + `"
max_retries = 0

[storage]
backend = "file"
path = "` + store + `"

[experts.lead]
description = "Coordinates the work"
instruction = "You are the lead."
`
	path := filepath.Join(dir, "agentrun.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path, store
}

func TestRunResumeInspect(t *testing.T) {
	cfgPath, storePath := writeConfig(t)
	provider := llm.NewMockProvider()
	provider.SetResponse("All done")
	ctx := context.Background()

	var stdout, stderr bytes.Buffer
	cmd := &RunCmd{Expert: "lead", Job: "job-1", Query: "write a report"}
	if err := cmd.exec(ctx, cfgPath, &stdout, &stderr, provider); err != nil {
		t.Fatalf("run: %v\n%s", err, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) != "All done" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "[lead #1]") {
		t.Errorf("stderr missing progress:\n%s", stderr.String())
	}

	store, err := filestore.New(storePath)
	if err != nil {
		t.Fatal(err)
	}
	job, err := store.RetrieveJob(ctx, "job-1")
	if err != nil || job == nil {
		t.Fatalf("job = %v, %v", job, err)
	}
	if job.Status != checkpoint.JobCompleted || job.TotalSteps != 1 {
		t.Errorf("job = %+v", job)
	}

	stdout.Reset()
	resume := &ResumeCmd{Job: "job-1", Input: "and a summary"}
	if err := resume.exec(ctx, cfgPath, &stdout, &stderr, provider); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if strings.TrimSpace(stdout.String()) != "All done" {
		t.Errorf("stdout = %q", stdout.String())
	}
	job, _ = store.RetrieveJob(ctx, "job-1")
	if job.Status != checkpoint.JobCompleted || job.TotalSteps != 2 {
		t.Errorf("job after resume = %+v", job)
	}

	var out bytes.Buffer
	inspect := &InspectCmd{Job: "job-1", Width: 80, Cost: "3,15"}
	if err := inspect.exec(ctx, cfgPath, &out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"job-1", "COMPLETED", "▶ START", "■ COMPLETE", "Cost:"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("inspect output missing %q", want)
		}
	}
}

func TestRunUnknownExpert(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	cmd := &RunCmd{Expert: "nobody", Query: "hi"}
	err := cmd.exec(context.Background(), cfgPath, &bytes.Buffer{}, &bytes.Buffer{}, llm.NewMockProvider())
	if err == nil || !strings.Contains(err.Error(), "nobody") {
		t.Errorf("err = %v", err)
	}
}

func TestInspectMissingJob(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	err := (&InspectCmd{Job: "nope", Width: 80}).exec(context.Background(), cfgPath, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v", err)
	}
}

func TestReport(t *testing.T) {
	var stdout, stderr bytes.Buffer
	cp := &checkpoint.Checkpoint{
		JobID:  "j",
		Status: checkpoint.StatusStoppedByInteractiveTool,
		PendingToolCalls: []checkpoint.ToolCall{
			{ID: "a", SkillName: "ask", ToolName: "confirm"},
			{ID: "b", SkillName: "ask", ToolName: "choose", Args: map[string]interface{}{"options": "x,y"}},
		},
		PartialToolResults: []checkpoint.ToolResult{{ID: "a"}},
	}
	if err := report(&stdout, &stderr, cp); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stderr.String(), "ask.choose is waiting") || !strings.Contains(stderr.String(), "options: x,y") {
		t.Errorf("stderr = %q", stderr.String())
	}
	if stdout.Len() != 0 {
		t.Errorf("stdout = %q", stdout.String())
	}

	cp = &checkpoint.Checkpoint{JobID: "j", Status: checkpoint.StatusStoppedByError, Error: "boom"}
	if err := report(&stdout, &stderr, cp); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("err = %v", err)
	}
	cp = &checkpoint.Checkpoint{JobID: "j", Status: checkpoint.StatusStoppedByExceededMaxSteps, StepNumber: 4}
	if err := report(&stdout, &stderr, cp); err == nil || !strings.Contains(err.Error(), "step 4") {
		t.Errorf("err = %v", err)
	}
}

func TestParseCost(t *testing.T) {
	in, out, err := parseCost("3, 15")
	if err != nil || in != 3 || out != 15 {
		t.Errorf("parseCost = %v, %v, %v", in, out, err)
	}
	for _, bad := range []string{"3", "a,1", "1,b", "1,2,3"} {
		if _, _, err := parseCost(bad); err == nil {
			t.Errorf("parseCost(%q) should fail", bad)
		}
	}
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, dir, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Backend != "file" || dir == "" {
		t.Errorf("cfg = %+v, dir = %q", cfg.Storage, dir)
	}
}

func TestOpenBackendSQLite(t *testing.T) {
	cfg, _, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "db")
	store, err := openBackend(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, err := os.Stat(filepath.Join(cfg.Storage.Path, "agentrun.db")); err != nil {
		t.Errorf("database file: %v", err)
	}
}
