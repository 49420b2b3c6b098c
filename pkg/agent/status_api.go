package agent

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cloudless/buildfarm/pkg/api"
	"github.com/cloudless/buildfarm/pkg/observability"
)

// LeaseView is the status API form of a lease
type LeaseView struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type" yaml:"type"`
	State   string `json:"state" yaml:"state"`
	Outcome string `json:"outcome" yaml:"outcome"`
}

// StatusView is the status API form of the agent state
type StatusView struct {
	Name              string    `json:"name" yaml:"name"`
	Version           string    `json:"version" yaml:"version"`
	AgentID           string    `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	SessionID         string    `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	SessionExpiresAt  time.Time `json:"session_expires_at,omitempty" yaml:"session_expires_at,omitempty"`
	Leases            int       `json:"leases" yaml:"leases"`
	Unhealthy         bool      `json:"unhealthy" yaml:"unhealthy"`
	ShutdownRequested bool      `json:"shutdown_requested" yaml:"shutdown_requested"`
	RestartRequested  bool      `json:"restart_requested" yaml:"restart_requested"`
	LiveWatchdogs     int       `json:"live_watchdogs" yaml:"live_watchdogs"`

	FailingHealthChecks []string `json:"failing_health_checks,omitempty" yaml:"failing_health_checks,omitempty"`
}

// NewLeaseView converts a lease for display
func NewLeaseView(l *api.Lease) LeaseView {
	return LeaseView{
		ID:      l.ID,
		Name:    l.Name,
		Type:    l.Payload.Type,
		State:   l.State.String(),
		Outcome: l.Outcome.String(),
	}
}

// StatusAPI serves read-only views of the agent over HTTP
type StatusAPI struct {
	agent  *Agent
	events *observability.EventStream
	logger *zap.Logger
}

// NewStatusAPI creates a new status API handler
func NewStatusAPI(agent *Agent, events *observability.EventStream, logger *zap.Logger) *StatusAPI {
	return &StatusAPI{
		agent:  agent,
		events: events,
		logger: logger,
	}
}

// ServeHTTP implements http.Handler
func (s *StatusAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch r.URL.Path {
	case "/leases":
		leases := s.agent.Leases()
		views := make([]LeaseView, 0, len(leases))
		for _, l := range leases {
			views = append(views, NewLeaseView(l))
		}
		s.write(w, views)
	case "/status":
		s.write(w, s.agent.Status())
	case "/events":
		s.handleEvents(w, r)
	default:
		http.NotFound(w, r)
	}
}

// handleEvents returns recent lifecycle events, optionally filtered by
// ?type= and ?resource_id= and limited by ?limit=
func (s *StatusAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := observability.EventFilter{ResourceID: query.Get("resource_id")}
	if t := query.Get("type"); t != "" {
		filter.Types = []observability.EventType{observability.EventType(t)}
	}
	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	events := s.events.GetEvents(filter)
	if events == nil {
		events = []observability.Event{}
	}
	s.write(w, events)
}

func (s *StatusAPI) write(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode status response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// RegisterStatusEndpoints registers the status endpoints on a metrics server
func RegisterStatusEndpoints(server *observability.MetricsServer, agent *Agent, events *observability.EventStream, logger *zap.Logger) {
	h := NewStatusAPI(agent, events, logger)
	for _, path := range []string{"/leases", "/status", "/events"} {
		server.Handle(path, h)
	}
}
