package progress

import (
	"testing"
	"time"

	"illustpub/internal/logging"
)

func TestSweepDropsOnlyExpiredTerminalTasks(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := New(logging.Discard(), 10*time.Minute)
	tr.now = func() time.Time { return now }

	finished := tr.Create(KindPublish)
	_ = tr.Complete(finished, nil)
	running := tr.Create(KindPublish)
	_ = tr.Start(running, "")

	now = now.Add(11 * time.Minute)
	if n := tr.Sweep(); n != 1 {
		t.Fatalf("expected 1 removed task, got %d", n)
	}
	if _, err := tr.Get(finished); err == nil {
		t.Fatal("finished task should be gone")
	}
	if _, err := tr.Get(running); err != nil {
		t.Fatalf("running task must survive: %v", err)
	}
}
