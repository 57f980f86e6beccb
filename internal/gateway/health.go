package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/zak10/arena-dnpbmf/internal/version"
)

type health struct {
	Status     string         `json:"status"`
	Instance   string         `json:"instance"`
	Version    version.Info   `json:"version"`
	Uptime     string         `json:"uptime,omitempty"`
	Components map[string]any `json:"components"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h := health{
		Status:     "healthy",
		Instance:   g.cfg.Instance.ID,
		Version:    version.Get(),
		Components: make(map[string]any),
	}
	if !g.started.IsZero() {
		h.Uptime = time.Since(g.started).Round(time.Second).String()
	}

	// Check bus
	if err := g.bus.Ping(ctx); err != nil {
		h.Status = "unhealthy"
		h.Components["bus"] = map[string]string{
			"driver": g.cfg.Bus.Driver,
			"status": "disconnected",
			"error":  err.Error(),
		}
	} else {
		h.Components["bus"] = map[string]string{
			"driver": g.cfg.Bus.Driver,
			"status": "connected",
		}
	}

	// Check database
	if g.pool != nil {
		if err := g.pool.Ping(ctx); err != nil {
			h.Status = "unhealthy"
			h.Components["postgres"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			h.Components["postgres"] = "connected"
		}
	}

	reg := g.registry.Stats()
	h.Components["registry"] = map[string]any{
		"connections": reg.Connections,
		"users":       reg.Users,
		"admitted":    reg.Admitted,
		"rejected":    reg.Rejected,
		"evicted":     reg.Evicted,
	}

	br := g.broadcast.Stats()
	h.Components["broadcaster"] = map[string]any{
		"groups":    g.broadcast.Groups(),
		"published": br.Published,
		"delivered": br.Delivered,
	}

	rs := g.router.Stats()
	h.Components["router"] = map[string]any{
		"sessions":      rs.Active,
		"messages":      rs.MessagesReceived,
		"rate_limited":  rs.RateLimited,
		"action_errors": rs.ActionErrors,
	}

	if g.auditStore != nil {
		as := g.auditStore.Stats()
		h.Components["audit_store"] = map[string]any{
			"inserts": as.Inserts,
			"dropped": as.Dropped,
			"errors":  as.Errors,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if h.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(h)
}

type userConnections struct {
	UserID      string `json:"user_id"`
	Connections int    `json:"connections"`
}

func (g *Gateway) handleDebugConnections(w http.ResponseWriter, r *http.Request) {
	counts := g.registry.UserCounts()

	users := make([]userConnections, 0, len(counts))
	for id, n := range counts {
		users = append(users, userConnections{UserID: id, Connections: n})
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Connections != users[j].Connections {
			return users[i].Connections > users[j].Connections
		}
		return users[i].UserID < users[j].UserID
	})

	// Limit to first 100 for debugging
	showing := users
	if len(showing) > 100 {
		showing = showing[:100]
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"connections": g.registry.Len(),
		"users":       len(users),
		"showing":     len(showing),
		"per_user":    showing,
	})
}
