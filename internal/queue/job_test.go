package queue

import (
	"context"
	"testing"
)

func TestMarshalUnmarshal(t *testing.T) {
	j := NewEvaluationJob("id", "sub-1", "prob-1", "cpp17", "int main(){}", 9, 2000, 262144, 10, 3)
	s, err := j.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	j2, err := UnmarshalEvaluationJob(s)
	if err != nil {
		t.Fatal(err)
	}
	if j2.ID != j.ID || j2.SubmissionID != j.SubmissionID || j2.Priority != j.Priority {
		t.Fatalf("roundtrip mismatch: %#v vs %#v", j, j2)
	}
}

func TestMemoryJobQueueClaimIsExclusive(t *testing.T) {
	q := NewMemoryJobQueue()
	ctx := context.Background()
	job := NewEvaluationJob("id", "sub-1", "prob-1", "cpp17", "", 9, 2000, 262144, 1, 0)
	if err := q.SubmitJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	got1, err := q.ClaimJob(ctx, "w1", []string{"high", "normal", "low"})
	if err != nil {
		t.Fatal(err)
	}
	if got1 == nil {
		t.Fatal("expected a job to be claimed")
	}

	got2, err := q.ClaimJob(ctx, "w2", []string{"high", "normal", "low"})
	if err != nil {
		t.Fatal(err)
	}
	if got2 != nil {
		t.Fatalf("expected no job for second claimant, got %#v", got2)
	}
}

func TestMemoryJobQueueStats(t *testing.T) {
	q := NewMemoryJobQueue()
	ctx := context.Background()
	job := NewEvaluationJob("id", "sub-1", "prob-1", "cpp17", "", 2, 2000, 262144, 1, 0)
	if err := q.SubmitJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.PendingJobs != 1 {
		t.Fatalf("expected 1 pending job, got %d", stats.PendingJobs)
	}
}

func TestMemoryJobQueueAckReleasesClaim(t *testing.T) {
	q := NewMemoryJobQueue()
	ctx := context.Background()
	job := NewEvaluationJob("id", "sub-1", "prob-1", "cpp17", "", 9, 2000, 262144, 1, 0)
	if err := q.SubmitJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	claimed, err := q.ClaimJob(ctx, "w1", []string{"high", "normal", "low"})
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil {
		t.Fatal("expected a claim")
	}
	stats, _ := q.Stats(ctx)
	if stats.RunningJobs != 1 {
		t.Fatalf("expected 1 running job while claimed, got %d", stats.RunningJobs)
	}

	if err := q.AckJob(ctx, "w1", *claimed); err != nil {
		t.Fatal(err)
	}
	stats, _ = q.Stats(ctx)
	if stats.RunningJobs != 0 {
		t.Fatalf("expected 0 running jobs after ack, got %d", stats.RunningJobs)
	}
}

func TestLaneForPriorityBands(t *testing.T) {
	lanes := []string{"high", "normal", "low"}
	cases := []struct {
		priority int
		lane     string
	}{
		{10, "high"}, {8, "high"}, {7, "high"}, {6, "normal"}, {5, "normal"}, {3, "normal"},
		{2, "low"}, {0, "low"}, {-3, "low"}, {42, "high"},
	}
	for _, c := range cases {
		if got := laneForPriority(lanes, c.priority); got != c.lane {
			t.Fatalf("priority %d: expected lane %s, got %s", c.priority, c.lane, got)
		}
	}
}
