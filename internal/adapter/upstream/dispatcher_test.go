package upstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/menglacorp/mengla-collector/internal/config"
	"github.com/menglacorp/mengla-collector/internal/domain"
)

type fakeTaskClient struct {
	resolveCalls atomic.Int64
	executeCalls atomic.Int64
	taskID       string
	executionID  string
	resolveErr   error
	executeErr   error
}

func (f *fakeTaskClient) ResolveTaskID(ctx domain.Context) (string, error) {
	f.resolveCalls.Add(1)
	return f.taskID, f.resolveErr
}

func (f *fakeTaskClient) Execute(ctx domain.Context, taskID string, parameters map[string]any, webhookURL string) (string, error) {
	f.executeCalls.Add(1)
	return f.executionID, f.executeErr
}

func newTestDispatcher(t *testing.T, client taskClient) (*Dispatcher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{MaxInflightRequests: 1, MenglaTimeoutSeconds: 5}
	d := NewDispatcher(cfg, client, rdb, slog.Default())
	d.minInterval = 0 // skip pacing delay in tests
	return d, mr
}

func TestDispatcher_ExecuteWaitsForRendezvousResult(t *testing.T) {
	client := &fakeTaskClient{taskID: "task-2", executionID: "exec-1"}
	d, mr := newTestDispatcher(t, client)

	key := domain.IdentityKey{Action: domain.ActionHigh, CatID: "1", Granularity: domain.GranularityDay, PeriodKey: "20250115"}

	go func() {
		time.Sleep(50 * time.Millisecond)
		payload, _ := json.Marshal(rendezvousPayload{Status: "done", Result: map[string]any{"ok": true}})
		mr.Set(ExecKey("exec-1"), string(payload))
	}()

	result, err := d.Execute(context.Background(), key, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ok": true}, result)

	stats := d.PressureStats()
	require.Equal(t, int64(1), stats.TotalSent)
	require.Equal(t, int64(1), stats.TotalCompleted)
}

func TestDispatcher_SkipsHeartbeatPayloads(t *testing.T) {
	client := &fakeTaskClient{taskID: "task-2", executionID: "exec-2"}
	d, mr := newTestDispatcher(t, client)
	key := domain.IdentityKey{Action: domain.ActionHigh, CatID: "1", Granularity: domain.GranularityDay, PeriodKey: "20250115"}

	heartbeat, _ := json.Marshal(rendezvousPayload{Status: "running"})
	mr.Set(ExecKey("exec-2"), string(heartbeat))

	go func() {
		time.Sleep(50 * time.Millisecond)
		final, _ := json.Marshal(rendezvousPayload{Status: "done", Result: "finished"})
		mr.Set(ExecKey("exec-2"), string(final))
	}()

	result, err := d.Execute(context.Background(), key, nil)
	require.NoError(t, err)
	require.Equal(t, "finished", result)
}

func TestDispatcher_TimeoutWhenNoResult(t *testing.T) {
	client := &fakeTaskClient{taskID: "task-2", executionID: "exec-3"}
	d, _ := newTestDispatcher(t, client)
	d.deadline = 150 * time.Millisecond
	key := domain.IdentityKey{Action: domain.ActionHigh, CatID: "1", Granularity: domain.GranularityDay, PeriodKey: "20250115"}

	_, err := d.Execute(context.Background(), key, nil)
	require.ErrorIs(t, err, domain.ErrUpstreamTimeout)

	stats := d.PressureStats()
	require.Equal(t, int64(1), stats.TotalTimeout)
}

func TestDispatcher_PropagatesExecuteError(t *testing.T) {
	client := &fakeTaskClient{taskID: "task-2", executeErr: domain.ErrUpstreamError}
	d, _ := newTestDispatcher(t, client)
	key := domain.IdentityKey{Action: domain.ActionHigh, CatID: "1", Granularity: domain.GranularityDay, PeriodKey: "20250115"}

	_, err := d.Execute(context.Background(), key, nil)
	require.ErrorIs(t, err, domain.ErrUpstreamError)
	require.Equal(t, int64(1), d.PressureStats().TotalError)
}
