package upstream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/menglacorp/mengla-collector/internal/domain"
)

// heartbeatStatuses are statuses the webhook sink passes through without
// deleting the rendezvous key — the dispatcher keeps waiting (spec §4.2
// step 5, §4.6).
var heartbeatStatuses = map[string]bool{
	"running": true, "sync": true, "pending": true, "queued": true,
}

// ExecKey is the Redis rendezvous key for an execution id (spec §3/§6).
func ExecKey(executionID string) string {
	return fmt.Sprintf("mengla:exec:%s", executionID)
}

type rendezvousPayload struct {
	Status string `json:"status"`
	Result any    `json:"result"`
}

// IsHeartbeatStatus reports whether status is one of the heartbeat classes
// the webhook sink passes through without publishing a real result (spec
// §4.6): running, sync, pending, queued.
func IsHeartbeatStatus(status string) bool {
	return heartbeatStatuses[strings.ToLower(status)]
}

// ExecRendezvousTTL is the TTL applied to a published rendezvous key
// (spec §4.6 "stored at mengla:exec:<execution_id> with TTL 30 min").
const ExecRendezvousTTL = 30 * time.Minute

// PublishExecResult writes a real (non-heartbeat) webhook result to its
// rendezvous key so a blocked awaitRendezvous poll observes it.
func PublishExecResult(ctx domain.Context, rdb *redis.Client, executionID, status string, result any) error {
	payload, err := json.Marshal(rendezvousPayload{Status: status, Result: result})
	if err != nil {
		return fmt.Errorf("%w: op=upstream.publish_exec_result encode: %v", domain.ErrInternal, err)
	}
	if err := rdb.Set(ctx, ExecKey(executionID), payload, ExecRendezvousTTL).Err(); err != nil {
		return fmt.Errorf("%w: op=upstream.publish_exec_result: %v", domain.ErrUpstreamError, err)
	}
	return nil
}

// pollBackoffSchedule returns the wait duration before the next poll given
// elapsed time since the rendezvous started, per spec §4.2 step 5's
// progressive backoff: 100ms for the first 30s, then 1s, then 5s, then 10s.
func pollBackoffSchedule(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < 30*time.Second:
		return 100 * time.Millisecond
	case elapsed < 60*time.Second:
		return 1 * time.Second
	case elapsed < 120*time.Second:
		return 5 * time.Second
	default:
		return 10 * time.Second
	}
}

// awaitRendezvous polls Redis for the real (non-heartbeat) result of an
// execution, deleting stale heartbeat payloads as it finds them.
func awaitRendezvous(ctx domain.Context, rdb *redis.Client, log *slog.Logger, executionID string, deadline time.Duration) (any, error) {
	key := ExecKey(executionID)
	start := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: op=upstream.rendezvous context: %v", domain.ErrUpstreamTimeout, ctx.Err())
		case <-timer.C:
		}

		elapsed := time.Since(start)
		if elapsed >= deadline {
			return nil, fmt.Errorf("%w: op=upstream.rendezvous: execution %s timed out after %s", domain.ErrUpstreamTimeout, executionID, deadline)
		}

		raw, err := rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			timer.Reset(pollBackoffSchedule(elapsed))
			continue
		}
		if err != nil {
			log.Warn("rendezvous poll error", slog.String("execution_id", executionID), slog.Any("error", err))
			timer.Reset(pollBackoffSchedule(elapsed))
			continue
		}

		var payload rendezvousPayload
		if jerr := json.Unmarshal([]byte(raw), &payload); jerr != nil {
			log.Warn("rendezvous payload decode error", slog.String("execution_id", executionID), slog.Any("error", jerr))
			_ = rdb.Del(ctx, key).Err()
			timer.Reset(pollBackoffSchedule(elapsed))
			continue
		}
		if IsHeartbeatStatus(payload.Status) {
			_ = rdb.Del(ctx, key).Err()
			timer.Reset(pollBackoffSchedule(elapsed))
			continue
		}

		_ = rdb.Del(ctx, key).Err()
		return payload.Result, nil
	}
}
