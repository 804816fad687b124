package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	logx "rolemail/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(_ tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, what.(string))
	return &tele.Message{}, nil
}

func (f *fakeSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestService(t *testing.T, cfg Config) (*Service, *fakeSender) {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	s := newService(cfg, logx.Nop())
	fs := &fakeSender{}
	s.bot = fs
	return s, fs
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAlertsDeliverWithSeverityPrefix(t *testing.T) {
	s, fs := newTestService(t, Config{ChatID: 42})
	s.Start(context.Background())

	s.Warn("disk filling up")
	s.Error("dispatch failed")

	waitFor(t, func() bool { return len(fs.snapshot()) == 2 })
	got := fs.snapshot()
	require.Equal(t, "WARN: disk filling up", got[0])
	require.Equal(t, "ERROR: dispatch failed", got[1])

	require.NoError(t, s.Stop(context.Background()))
}

func TestAlertsMinLevelFiltersWarnings(t *testing.T) {
	s, fs := newTestService(t, Config{ChatID: 42, MinLevel: "error"})
	s.Start(context.Background())

	s.Warn("ignored")
	s.Error("kept")

	waitFor(t, func() bool { return len(fs.snapshot()) == 1 })
	require.Equal(t, []string{"ERROR: kept"}, fs.snapshot())
	require.NoError(t, s.Stop(context.Background()))
}

func TestAlertsDisabledIsNoOp(t *testing.T) {
	s, err := New(Config{Enabled: false}, logx.Nop())
	require.NoError(t, err)
	s.Start(context.Background())
	s.Warn("dropped silently")
	s.Error("dropped silently")
	require.NoError(t, s.Stop(context.Background()))
}

func TestAlertsEnqueueAfterStopIsSafe(t *testing.T) {
	s, fs := newTestService(t, Config{ChatID: 42})
	s.Start(context.Background())

	s.Error("before stop")
	waitFor(t, func() bool { return len(fs.snapshot()) == 1 })
	require.NoError(t, s.Stop(context.Background()))

	// A debounced reload can still fire alerts during shutdown; they must be
	// dropped, not crash the process.
	s.Warn("late alert")
	s.Error("late alert")
	require.Len(t, fs.snapshot(), 1)
}

func TestAlertsEnqueueNeverBlocksWhenFull(t *testing.T) {
	s, _ := newTestService(t, Config{ChatID: 42, QueueSize: 1, RatePerSec: 1})
	// Worker not started: the queue fills and further enqueues must return.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			s.Error("spam")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on full queue")
	}
}
