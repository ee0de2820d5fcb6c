package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AgentHive-Network/credit_layer/internal/config"
	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

func TestSchedulerRunsJobs(t *testing.T) {
	var runs int32
	s := New(config.IntervalConfig{}, nil, nil, nil, logger.NewDefault("scheduler-test"))
	s.Add("tick", "@every 10ms", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&runs) == 0 {
		select {
		case <-deadline:
			t.Fatal("job never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := New(config.IntervalConfig{}, nil, nil, nil, logger.NewDefault("scheduler-test"))
	s.Add("broken", "not-a-schedule", func(ctx context.Context) error { return nil })

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestSchedulerIgnoresNilJobs(t *testing.T) {
	s := New(config.Default().Intervals, nil, nil, nil, logger.NewDefault("scheduler-test"))
	if len(s.jobs) != 0 {
		t.Fatalf("nil jobs must not register, got %d", len(s.jobs))
	}
}
