package checkpoint

import "testing"

func TestUsageAdd(t *testing.T) {
	a := Usage{InputTokens: 10, OutputTokens: 5, ReasoningTokens: 1, CachedInputTokens: 2, TotalTokens: 15}
	b := Usage{InputTokens: 3, OutputTokens: 4, ReasoningTokens: 0, CachedInputTokens: 1, TotalTokens: 7}

	got := a.Add(b)
	want := Usage{InputTokens: 13, OutputTokens: 9, ReasoningTokens: 1, CachedInputTokens: 3, TotalTokens: 22}
	if got != want {
		t.Errorf("Add = %+v, want %+v", got, want)
	}
}

func TestSumUsageOrderIndependent(t *testing.T) {
	base := Usage{InputTokens: 100, TotalTokens: 100}
	children := []Usage{
		{InputTokens: 1, OutputTokens: 2, TotalTokens: 3},
		{InputTokens: 10, OutputTokens: 20, ReasoningTokens: 5, TotalTokens: 30},
		{InputTokens: 7, CachedInputTokens: 4, TotalTokens: 7},
	}

	forward := SumUsage(base, children...)
	reversed := SumUsage(base, children[2], children[1], children[0])
	if forward != reversed {
		t.Errorf("sum depends on order: %+v vs %+v", forward, reversed)
	}
	if forward.InputTokens != 118 || forward.TotalTokens != 140 {
		t.Errorf("unexpected sum %+v", forward)
	}
}

func TestJobStatusFor(t *testing.T) {
	cases := map[Status]JobStatus{
		StatusCompleted:                 JobCompleted,
		StatusStoppedByExceededMaxSteps: JobStoppedByMaxSteps,
		StatusStoppedByError:            JobStoppedByError,
		StatusStoppedByInteractiveTool:  JobStoppedByInteractiveTool,
		StatusStoppedByDelegate:         JobRunning,
		StatusProceeding:                JobRunning,
		StatusInit:                      JobRunning,
	}
	for in, want := range cases {
		if got := JobStatusFor(in); got != want {
			t.Errorf("JobStatusFor(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestJobFinishAndReopen(t *testing.T) {
	j := NewJob("j", "a@1", 10)
	if j.Status != JobRunning || j.FinishedAt != nil {
		t.Fatalf("new job = %+v", j)
	}
	j.Finish(JobStoppedByInteractiveTool)
	if j.FinishedAt == nil || !j.Status.Finished() {
		t.Fatal("finish did not set timestamp")
	}
	j.Reopen()
	if j.Status != JobRunning || j.FinishedAt != nil {
		t.Errorf("reopen = %+v", j)
	}
}

func TestUsageSubUndoesAdd(t *testing.T) {
	a := Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	b := Usage{InputTokens: 3, ReasoningTokens: 2, TotalTokens: 3}
	if got := a.Add(b).Sub(a); got != b {
		t.Errorf("Sub = %+v, want %+v", got, b)
	}
}
