package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc/status"

	"github.com/cloudless/buildfarm/pkg/api"
	"github.com/cloudless/buildfarm/pkg/capabilities"
	"github.com/cloudless/buildfarm/pkg/observability"
)

// ErrSessionExpired ends a session whose token is about to expire so that a
// fresh one can be created. Running leases are unaffected.
var ErrSessionExpired = errors.New("session token is about to expire")

// SessionManager runs one session with the coordinator: it creates the
// session, then repeatedly reports local lease state and reconciles against
// the coordinator's answer.
type SessionManager struct {
	cfg     *Config
	channel api.Channel
	leases  *LeaseSet
	prober  capabilities.Prober
	control *Control
	logger  *zap.Logger

	current atomic.Pointer[api.Session]
}

func newSessionManager(cfg *Config, channel api.Channel, leases *LeaseSet, control *Control) *SessionManager {
	return &SessionManager{
		cfg:     cfg,
		channel: channel,
		leases:  leases,
		prober:  cfg.Prober,
		control: control,
		logger:  cfg.Logger,
	}
}

// Current returns the active session, or nil between sessions
func (m *SessionManager) Current() *api.Session {
	return m.current.Load()
}

// Run runs a session. It returns nil once the agent is stopping (ctx is
// done or a shutdown was requested) and no leases remain. Any other return
// is an error after which the caller should create a new session.
//
// Cancelling ctx does not abort in-flight calls; it switches the reported
// status to Stopping so the coordinator can wind the agent down.
func (m *SessionManager) Run(ctx context.Context) error {
	rpcCtx := context.WithoutCancel(ctx)

	caps := m.probe(rpcCtx)
	logCapabilities(m.logger, caps)

	created, err := m.channel.CreateSession(rpcCtx, &api.CreateSessionRequest{
		Name:         m.cfg.Name,
		Status:       api.AgentStatusOk,
		Version:      m.cfg.Version,
		Capabilities: caps,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	session := &api.Session{
		AgentID:      created.AgentID,
		SessionID:    created.SessionID,
		Token:        created.Token,
		Capabilities: caps,
		ExpiresAt:    tokenExpiry(created.Token),
	}
	m.channel.SetToken(session.Token)
	m.current.Store(session)
	defer m.current.Store(nil)

	ctx = observability.WithSessionID(ctx, session.SessionID)
	logger := m.logger.With(
		zap.String("agent_id", session.AgentID),
		zap.String("session_id", session.SessionID),
	)
	logger.Info("Session started", zap.Time("expires_at", session.ExpiresAt))
	observability.SessionsCreatedTotal.Inc()
	m.cfg.Events.RecordEvent(ctx, observability.NewSessionCreatedEvent(session.AgentID, session.SessionID))

	err = m.loop(ctx, session, logger)
	m.cfg.Events.RecordEvent(ctx, observability.NewSessionEndedEvent(session.SessionID, err))
	return err
}

func (m *SessionManager) loop(ctx context.Context, session *api.Session, logger *zap.Logger) error {
	lastProbe := time.Now()
	failures := 0

	for {
		m.leases.ApplyPending()

		leases := m.leases.Snapshot()
		stopping := ctx.Err() != nil || (m.control.ShutdownRequested() && len(leases) == 0)

		req := &api.UpdateSessionRequest{
			AgentID:   session.AgentID,
			SessionID: session.SessionID,
			Status:    m.status(stopping),
			Leases:    leases,
		}
		observability.AgentStatus.Set(float64(req.Status))

		if !stopping && m.renewDue(session) {
			logger.Info("Session token is about to expire; renewing session")
			return ErrSessionExpired
		}

		if time.Since(lastProbe) >= m.cfg.CapabilitiesInterval {
			req.Capabilities = m.probe(ctx)
			lastProbe = time.Now()
		}

		updateStart := time.Now()
		changed := false

		resp, err := m.update(ctx, session, req, stopping, logger)
		if err != nil {
			failures++
			code := status.Code(err)
			observability.SessionUpdatesTotal.WithLabelValues("failure").Inc()
			observability.SessionUpdateFailuresTotal.WithLabelValues(code.String()).Inc()
			m.cfg.Events.RecordEvent(ctx, observability.NewSessionUpdateFailedEvent(session.SessionID, failures, m.cfg.MaxUpdateFailures, err))

			if failures >= m.cfg.MaxUpdateFailures {
				return fmt.Errorf("session update failed %d consecutive times: %w", failures, err)
			}
			if api.IsUnavailable(err) {
				logger.Info("Coordinator unavailable while updating session; will retry", zap.Error(err), zap.Int("failures", failures))
			} else {
				logger.Error("Error while updating session; will retry", zap.Error(err), zap.Int("failures", failures))
			}
		} else {
			failures = 0
			observability.SessionUpdatesTotal.WithLabelValues("success").Inc()
			if resp != nil {
				m.leases.MarkReported(req.Leases)
				stats := m.leases.Reconcile(resp.Leases)
				changed = stats.Changed()
				if changed {
					logger.Debug("Reconciled leases",
						zap.Int("removed", stats.Removed),
						zap.Int("cancelled", stats.Cancelled),
						zap.Int("started", stats.Started),
					)
				}
			}
		}

		if req.Status == api.AgentStatusStopping && m.leases.Len() == 0 {
			logger.Info("No leases are active. Agent is stopping.")
			return nil
		}

		if !changed && !leaseStatesChanged(req.Leases, m.leases.Snapshot()) {
			m.pace(ctx, updateStart)
		}
	}
}

// pace holds the loop until MinUpdateInterval has passed since start. A
// lease finishing or the agent starting to stop ends the wait early.
func (m *SessionManager) pace(ctx context.Context, start time.Time) {
	wait := m.cfg.MinUpdateInterval - time.Since(start)
	if wait <= 0 {
		return
	}

	var stopSignal <-chan struct{}
	if ctx.Err() == nil {
		stopSignal = ctx.Done()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
	case c := <-m.leases.Results():
		m.leases.Apply(c)
	case <-stopSignal:
	}
}

// leaseStatesChanged compares two id-ordered lease lists by id and state
func leaseStatesChanged(before, after []*api.Lease) bool {
	if len(before) != len(after) {
		return true
	}
	for i := range before {
		if before[i].ID != after[i].ID || before[i].State != after[i].State {
			return true
		}
	}
	return false
}

func (m *SessionManager) status(stopping bool) api.AgentStatus {
	switch {
	case stopping:
		return api.AgentStatusStopping
	case m.control.Unhealthy():
		return api.AgentStatusUnhealthy
	default:
		return api.AgentStatusOk
	}
}

type recvResult struct {
	resp *api.UpdateSessionResponse
	err  error
}

// update performs one long-poll. The request is sent and the send side is
// held open until the coordinator answers, a lease finishes, the channel
// starts draining, the token needs renewal, or the agent starts stopping.
// The send side is then closed and the last response returned. A nil
// response with a nil error means the coordinator sent nothing.
func (m *SessionManager) update(ctx context.Context, session *api.Session, req *api.UpdateSessionRequest, stopping bool, logger *zap.Logger) (*api.UpdateSessionResponse, error) {
	start := time.Now()
	defer func() {
		observability.SessionUpdateDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	// The deadline is fixed and does not follow ctx cancellation
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.UpdateDeadline)
	defer cancel()

	stream, err := m.channel.UpdateSession(callCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to open session update: %w", err)
	}

	logger.Debug("Updating session", zap.Stringer("status", req.Status), zap.Int("leases", len(req.Leases)))
	if err := stream.Send(req); err != nil {
		return nil, fmt.Errorf("failed to send session update: %w", err)
	}

	responses := make(chan recvResult, 1)
	go func() {
		defer close(responses)
		for {
			resp, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					responses <- recvResult{err: err}
				}
				return
			}
			responses <- recvResult{resp: resp}
		}
	}()

	var stopSignal <-chan struct{}
	if !stopping {
		stopSignal = ctx.Done()
	}
	var renew <-chan time.Time
	if !stopping && !session.ExpiresAt.IsZero() {
		timer := time.NewTimer(time.Until(session.ExpiresAt.Add(-m.cfg.TokenRenewBefore)))
		defer timer.Stop()
		renew = timer.C
	}

	var last *api.UpdateSessionResponse
	var recvErr error
	record := func(r recvResult) {
		if r.err != nil {
			recvErr = r.err
			return
		}
		last = r.resp
	}

	select {
	case r, ok := <-responses:
		if ok {
			record(r)
		}
	case c := <-m.leases.Results():
		logger.Debug("Cancelling long poll from client side (lease state changed)")
		m.leases.Apply(c)
	case <-m.channel.Draining():
		logger.Debug("Cancelling long poll from client side (channel draining)")
	case <-stopSignal:
		logger.Debug("Cancelling long poll from client side (agent stopping)")
	case <-renew:
		logger.Debug("Cancelling long poll from client side (session renewal)")
	}

	if err := stream.CloseSend(); err != nil {
		logger.Debug("Failed to close session update stream", zap.Error(err))
	}
	for r := range responses {
		record(r)
	}

	if recvErr != nil && last == nil {
		return nil, recvErr
	}
	return last, nil
}

func (m *SessionManager) renewDue(session *api.Session) bool {
	if session.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(session.ExpiresAt) <= m.cfg.TokenRenewBefore
}

func (m *SessionManager) probe(ctx context.Context) *api.Capabilities {
	caps, err := m.prober.Probe(ctx)
	if err != nil {
		m.logger.Warn("Failed to probe capabilities", zap.Error(err))
		return nil
	}
	return caps
}

func logCapabilities(logger *zap.Logger, caps *api.Capabilities) {
	if caps == nil {
		return
	}
	logger.Info("Agent capabilities", zap.Strings("properties", caps.Properties))
	for _, d := range caps.Devices {
		logger.Info("Device capabilities", zap.String("handle", d.Handle), zap.Strings("properties", d.Properties))
	}
}

// tokenExpiry reads the exp claim of a JWT session token without verifying
// it. Opaque tokens never expire.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
