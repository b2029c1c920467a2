package service

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(discardLogger())
	err := s.Add("bad", "every tuesday", 0, func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := NewScheduler(discardLogger())
	ran := make(chan struct{}, 1)
	err := s.Add("tick", "* * * * * *", time.Second, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("job context should carry the timeout")
		}
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run err = %v", err)
	}
}
