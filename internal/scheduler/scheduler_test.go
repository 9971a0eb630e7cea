package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/eventgw/internal/scheduler/mocks"
)

// syncBuffer guards log output written from task goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func TestCalculateJitteredInterval(t *testing.T) {
	tests := []struct {
		name   string
		base   time.Duration
		jitter time.Duration
	}{
		{name: "No Jitter", base: time.Minute, jitter: 0},
		{name: "Positive Jitter", base: 5 * time.Minute, jitter: 30 * time.Second},
		{name: "Large Jitter", base: time.Hour, jitter: 15 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 100 {
				got := calculateJitteredInterval(tt.base, tt.jitter)
				if tt.jitter == 0 {
					assert.Equal(t, tt.base, got)
				} else {
					assert.GreaterOrEqual(t, got, tt.base)
					assert.LessOrEqual(t, got, tt.base+tt.jitter)
				}
			}
		})
	}
}

func TestRetentionTaskUsesCutoff(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mocks.NewMockPruner(ctrl)

	before := time.Now().Add(-24 * time.Hour)
	p.EXPECT().Prune(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, cutoff time.Time) (int64, error) {
		assert.WithinDuration(t, before, cutoff, 5*time.Second)
		return 3, nil
	})

	task := RetentionTask("deliveries", p, 24*time.Hour, time.Hour)
	assert.Equal(t, "deliveries", task.Name)
	assert.Equal(t, 6*time.Minute, task.Jitter)

	n, err := task.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestStartRunsImmediately(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mocks.NewMockPruner(ctrl)
	p.EXPECT().Prune(gomock.Any(), gomock.Any()).Return(int64(2), nil).Times(1)

	logger, buf := newTestLogger()
	s := New(logger, RetentionTask("deliveries", p, time.Hour, time.Hour))
	s.Start(context.Background())
	s.Stop()
	s.Stop()

	assert.Contains(t, buf.String(), `"rows":2`)
}

func TestTaskRepeatsAndLogsErrors(t *testing.T) {
	var calls atomic.Int32
	task := Task{
		Name:  "flaky",
		Every: 10 * time.Millisecond,
		Run: func(context.Context) (int64, error) {
			calls.Add(1)
			return 0, errors.New("disk full")
		},
	}

	logger, buf := newTestLogger()
	s := New(logger, task)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	s.Stop()

	assert.Contains(t, buf.String(), "disk full")
}

func TestNewSkipsDisabledTasks(t *testing.T) {
	logger, _ := newTestLogger()
	s := New(logger,
		Task{Name: "no interval", Run: func(context.Context) (int64, error) { return 0, nil }},
		Task{Name: "no func", Every: time.Second},
	)
	assert.Empty(t, s.tasks)

	s.Start(context.Background())
	s.Stop()
}
