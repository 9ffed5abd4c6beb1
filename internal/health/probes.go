package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"voice-gateway/internal/esl"
	"voice-gateway/pkg/utils"
)

const probeTimeout = 5 * time.Second

// EventSocketProbe reports the control connection's state, pinging it when
// connected to catch half-open sockets.
func EventSocketProbe(client *esl.Client) Probe {
	return func(ctx context.Context) (Status, string) {
		switch state := client.State(); state {
		case esl.StateConnected:
			pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			if err := client.Ping(pingCtx); err != nil {
				return StatusUnhealthy, fmt.Sprintf("ping failed: %v", err)
			}
			return StatusHealthy, ""
		case esl.StateConnecting, esl.StateReconnecting:
			return StatusDegraded, string(state)
		default:
			return StatusUnhealthy, string(state)
		}
	}
}

// EngineProbe asks the engine for its status report.
func EngineProbe(client *esl.Client) Probe {
	return func(ctx context.Context) (Status, string) {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if _, err := client.Status(probeCtx); err != nil {
			return StatusUnhealthy, err.Error()
		}
		return StatusHealthy, ""
	}
}

// CodecProbe verifies the engine still loads the telephony codec calls arrive in.
func CodecProbe(client *esl.Client) Probe {
	return func(ctx context.Context) (Status, string) {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		reply, err := client.API(probeCtx, "show codec")
		if err != nil {
			return StatusUnhealthy, err.Error()
		}
		if !strings.Contains(reply.Body, "PCMU") {
			return StatusUnhealthy, "PCMU codec not loaded"
		}
		return StatusHealthy, ""
	}
}

// ConversationProbe checks the AI endpoint is reachable and the key accepted.
func ConversationProbe(httpClient *http.Client, apiKey string) Probe {
	const endpoint = "https://generativelanguage.googleapis.com/v1beta/models"
	if httpClient == nil {
		httpClient = &http.Client{Timeout: probeTimeout}
	}
	return func(ctx context.Context) (Status, string) {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint+"?key="+apiKey+"&pageSize=1", nil)
		if err != nil {
			return StatusUnhealthy, err.Error()
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return StatusUnhealthy, err.Error()
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return StatusHealthy, ""
		case resp.StatusCode == http.StatusTooManyRequests:
			return StatusDegraded, "rate limited"
		default:
			return StatusUnhealthy, fmt.Sprintf("status %d", resp.StatusCode)
		}
	}
}

// StorageProbe checks the database and the cache. A dead database is
// unhealthy; a dead cache alone only degrades, enforcement falls back to
// the database.
func StorageProbe(db *sql.DB, rdb *redis.Client) Probe {
	return func(ctx context.Context) (Status, string) {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		if err := utils.HealthCheck(probeCtx, db, probeTimeout); err != nil {
			return StatusUnhealthy, fmt.Sprintf("database: %v", err)
		}
		if rdb != nil {
			if err := rdb.Ping(probeCtx).Err(); err != nil {
				return StatusDegraded, fmt.Sprintf("cache: %v", err)
			}
		}
		return StatusHealthy, ""
	}
}
