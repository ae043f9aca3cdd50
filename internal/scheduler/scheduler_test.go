package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/finsentry/finsentry/internal/config"
	"github.com/finsentry/finsentry/pkg/models"
)

// blockingManager holds every sweep until released, counting invocations.
type blockingManager struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (m *blockingManager) EvaluateBatch(ctx context.Context, types []models.AlertType) (int, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	<-m.release
	return 0, nil
}

func TestSweepJobSkipsOverlappingRuns(t *testing.T) {
	manager := &blockingManager{release: make(chan struct{})}
	s := New(Options{
		Config:  config.SchedulerConfig{Enabled: true},
		Manager: manager,
	})

	job := s.sweepJob("batch", models.BatchAlertTypes)

	done := make(chan struct{})
	go func() {
		defer close(done)
		job()
	}()

	// Wait until the first run is inside the manager.
	for deadline := time.Now().Add(time.Second); ; {
		manager.mu.Lock()
		started := manager.calls == 1
		manager.mu.Unlock()
		if started {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first sweep never started")
		}
		time.Sleep(time.Millisecond)
	}

	// Ticks landing while the sweep is still running are dropped.
	job()
	job()
	manager.mu.Lock()
	calls := manager.calls
	manager.mu.Unlock()
	if calls != 1 {
		t.Fatalf("manager calls = %d, want 1 while a sweep is in flight", calls)
	}

	close(manager.release)
	<-done

	// Once the sweep finishes, the next tick runs again.
	job()
	manager.mu.Lock()
	calls = manager.calls
	manager.mu.Unlock()
	if calls != 2 {
		t.Fatalf("manager calls = %d, want 2 after the first sweep finished", calls)
	}
}
