// Package agent serves the session protocol: it accepts connections, reads
// one request from each, runs it against the session registry and writes
// one response.
package agent

import (
	"bufio"
	"context"
	"errors"
	"math"
	"net"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peterje/shellagent/internal/audit"
	"github.com/peterje/shellagent/internal/metrics"
	"github.com/peterje/shellagent/internal/models"
	"github.com/peterje/shellagent/internal/protocol"
	"github.com/peterje/shellagent/internal/session"
)

// defaultRequestTimeout bounds how long a connection may take to send its
// request line.
const defaultRequestTimeout = 30 * time.Second

// maxTimeoutMs keeps time.Duration conversion from overflowing.
const maxTimeoutMs = math.MaxInt64 / int64(time.Millisecond)

// Handler dispatches protocol requests against a session registry.
type Handler struct {
	registry *session.Registry
	spawner  Spawner
	timing   session.Timing
	readPoll time.Duration
	reqWait  time.Duration
	recorder audit.Recorder
	metrics  *metrics.Metrics
	log      zerolog.Logger
	newID    func() string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

func WithTiming(t session.Timing) HandlerOption {
	return func(h *Handler) { h.timing = t }
}

// WithReadPoll sets how long session reader loops block per read.
func WithReadPoll(d time.Duration) HandlerOption {
	return func(h *Handler) { h.readPoll = d }
}

// WithRequestTimeout sets how long a connection may stay silent before its
// request line arrives.
func WithRequestTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.reqWait = d }
}

func WithRecorder(r audit.Recorder) HandlerOption {
	return func(h *Handler) {
		if r != nil {
			h.recorder = r
		}
	}
}

func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

func WithLogger(l zerolog.Logger) HandlerOption {
	return func(h *Handler) { h.log = l }
}

// WithIDGenerator replaces the session id source.
func WithIDGenerator(f func() string) HandlerOption {
	return func(h *Handler) { h.newID = f }
}

// NewHandler returns a Handler that registers sessions in registry and
// spawns their shells with spawner.
func NewHandler(registry *session.Registry, spawner Spawner, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry: registry,
		spawner:  spawner,
		timing:   session.DefaultTiming,
		reqWait:  defaultRequestTimeout,
		recorder: audit.Nop{},
		log:      zerolog.Nop(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With().Str("component", "agent").Logger()
	return h
}

// Registry returns the registry the handler operates on.
func (h *Handler) Registry() *session.Registry {
	return h.registry
}

type transportKey struct{}

// WithTransport tags ctx with the transport a request arrived on.
func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportKey{}, transport)
}

func transportFrom(ctx context.Context) string {
	if t, ok := ctx.Value(transportKey{}).(string); ok {
		return t
	}
	return "tcp"
}

// ServeConn handles exactly one request on conn and closes it. A connection
// that sends nothing readable is closed without a response. A panic is
// confined to this connection.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) {
	log := h.log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("connection handler panicked")
		}
	}()

	if h.reqWait > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(h.reqWait)); err != nil {
			log.Debug().Err(err).Msg("set request deadline failed")
		}
	}
	line, err := protocol.ReadLine(bufio.NewReader(conn))
	if err != nil {
		if !errors.Is(err, protocol.ErrEmptyRequest) {
			log.Debug().Err(err).Msg("read request failed")
		}
		return
	}
	// The command itself may run far longer than the request took to arrive.
	_ = conn.SetReadDeadline(time.Time{})

	var resp protocol.Response
	req, err := protocol.DecodeRequest(line)
	if err != nil {
		log.Warn().Err(err).Msg("invalid request")
		h.metrics.Request("invalid", false)
		resp = protocol.Failf("invalid request: %v", err)
	} else {
		resp = h.Handle(ctx, req)
	}

	if err := protocol.WriteResponse(conn, resp); err != nil {
		log.Debug().Err(err).Msg("write response failed")
	}
}

// Handle runs one decoded request. Every failure is reported in the
// returned envelope.
func (h *Handler) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	var resp protocol.Response
	switch r := req.(type) {
	case protocol.StartSession:
		resp = h.startSession(ctx, r)
	case protocol.ExecCommand:
		resp = h.execCommand(ctx, r)
	case protocol.CloseSession:
		resp = h.closeSession(ctx, r)
	default:
		resp = protocol.Failf("unsupported request %T", req)
	}
	h.metrics.Request(string(req.Action()), resp.Success)
	return resp
}

func (h *Handler) startSession(ctx context.Context, r protocol.StartSession) protocol.Response {
	var user string
	if r.User != nil {
		user = *r.User
	}

	term, err := h.spawner.Spawn(user)
	if err != nil {
		h.log.Error().Err(err).Str("user", user).Msg("spawn shell failed")
		return protocol.Failf("spawn shell: %v", err)
	}

	id := h.newID()
	opts := []session.Option{
		session.WithLogger(h.log.With().Str("component", "session").Logger()),
		session.WithTiming(h.timing),
	}
	if h.readPoll > 0 {
		opts = append(opts, session.WithReadPoll(h.readPoll))
	}
	s := session.New(id, user, term, opts...)

	if err := h.registry.Register(id, s); err != nil {
		s.Cancel()
		h.log.Error().Err(err).Msg("register session failed")
		return protocol.Fail(err.Error())
	}
	h.metrics.SessionStarted()

	info := s.Info()
	rec := models.AuditSession{
		ID:        id,
		User:      user,
		Transport: transportFrom(ctx),
		StartedAt: info.CreatedAt,
	}
	if info.PID > 0 {
		pid := info.PID
		rec.PID = &pid
	}
	if err := h.recorder.SessionStarted(ctx, rec); err != nil {
		h.log.Warn().Err(err).Str("session_id", id).Msg("journal session start failed")
	}

	h.log.Info().Str("session_id", id).Str("user", user).Int("pid", info.PID).Msg("session started")
	return protocol.OK(id, "")
}

func (h *Handler) execCommand(ctx context.Context, r protocol.ExecCommand) protocol.Response {
	s, ok := h.registry.Lookup(r.SessionID)
	if !ok {
		return protocol.Fail(session.ErrSessionNotFound.Error())
	}

	timeoutMs := maxTimeoutMs
	if r.TimeoutMs < uint64(maxTimeoutMs) {
		timeoutMs = int64(r.TimeoutMs)
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond

	c, err := s.Exec(ctx, r.Command, timeout)

	rec := models.AuditCommand{
		SessionID:   r.SessionID,
		Command:     r.Command,
		TimeoutMs:   r.TimeoutMs,
		OutputBytes: c.RawBytes,
		TimedOut:    c.TimedOut,
		DurationMs:  c.Elapsed.Milliseconds(),
		CreatedAt:   time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if jerr := h.recorder.CommandRun(ctx, rec); jerr != nil {
		h.log.Warn().Err(jerr).Str("session_id", r.SessionID).Msg("journal command failed")
	}

	if err != nil {
		h.log.Warn().Err(err).Str("session_id", r.SessionID).Msg("exec failed")
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return protocol.Failf("exec interrupted: %v", err)
		}
		return protocol.Fail(err.Error())
	}

	h.metrics.Exec(c.Elapsed, c.RawBytes, c.TimedOut)
	h.log.Debug().
		Str("session_id", r.SessionID).
		Int("raw_bytes", c.RawBytes).
		Bool("timed_out", c.TimedOut).
		Dur("elapsed", c.Elapsed).
		Msg("command captured")
	return protocol.OK(r.SessionID, c.Output)
}

func (h *Handler) closeSession(ctx context.Context, r protocol.CloseSession) protocol.Response {
	s, ok := h.registry.Remove(r.SessionID)
	if !ok {
		return protocol.Fail(session.ErrSessionNotFound.Error())
	}
	s.Cancel()
	h.metrics.SessionClosed()

	if err := h.recorder.SessionClosed(ctx, r.SessionID, time.Now()); err != nil {
		h.log.Warn().Err(err).Str("session_id", r.SessionID).Msg("journal session close failed")
	}

	h.log.Info().Str("session_id", r.SessionID).Msg("session closed")
	return protocol.OK(r.SessionID, "")
}

// CloseAll closes every registered session, journals the closes and waits
// for the reader loops to stop or ctx to expire. It returns how many
// sessions it closed.
func (h *Handler) CloseAll(ctx context.Context) (int, error) {
	ids, err := h.registry.CloseAll(ctx)

	now := time.Now()
	for _, id := range ids {
		h.metrics.SessionClosed()
		if jerr := h.recorder.SessionClosed(context.WithoutCancel(ctx), id, now); jerr != nil {
			h.log.Warn().Err(jerr).Str("session_id", id).Msg("journal session close failed")
		}
	}
	return len(ids), err
}
