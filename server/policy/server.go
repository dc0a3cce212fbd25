package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/helpers"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/metrics"
	serverPkg "github.com/migadu/policyd/server"
	"github.com/migadu/policyd/server/idgen"
)

// PolicyServer accepts policy connections on one address and runs a Conn
// for each of them.
type PolicyServer struct {
	name       string
	addr       string
	socketMode os.FileMode
	handler    Handler
	appCtx     context.Context
	cancel     context.CancelFunc

	limiter *serverPkg.ConnectionLimiter

	connOpts       ConnOptions
	idleTimeout    time.Duration
	sessionTimeout time.Duration
	logRequests    bool

	listenerMu sync.Mutex
	listener   net.Listener
	ready      chan struct{}
	readyOnce  sync.Once

	totalConnections atomic.Int64
	totalRequests    atomic.Int64

	activeSessionsMutex sync.RWMutex
	activeSessions      map[*session]struct{}
	sessionsWg          sync.WaitGroup // Tracks active sessions for graceful drain
}

type PolicyServerOptions struct {
	SocketMode          os.FileMode // applied to unix sockets, 0 = leave as created
	MaxConnections      int
	MaxConnectionsPerIP int
	TrustedNetworks     []string // exempt from MaxConnectionsPerIP

	Limits         Limits
	RawValues      bool
	HandlerTimeout time.Duration
	IdleTimeout    time.Duration // between requests
	WriteTimeout   time.Duration
	SessionTimeout time.Duration // connection lifetime
	FallbackAction *Action

	LogRequests bool // debug-log every request with sensitive values masked
}

type session struct {
	id      string
	remote  string
	started time.Time
	conn    *Conn
	tc      *serverPkg.TimeoutConn
}

// NewPolicyServer validates the listen address and prepares the server. It
// does not open the listener; see Start.
func NewPolicyServer(appCtx context.Context, name, addr string, handler Handler, options PolicyServerOptions) (*PolicyServer, error) {
	if handler == nil {
		return nil, errors.New("policy handler is required")
	}
	if _, _, err := serverPkg.ParseListenAddr(addr); err != nil {
		return nil, fmt.Errorf("server %s: %w", name, err)
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	s := &PolicyServer{
		name:           name,
		addr:           addr,
		socketMode:     options.SocketMode,
		handler:        handler,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		idleTimeout:    options.IdleTimeout,
		sessionTimeout: options.SessionTimeout,
		logRequests:    options.LogRequests,
		ready:          make(chan struct{}),
		activeSessions: make(map[*session]struct{}),
		connOpts: ConnOptions{
			Limits:         options.Limits,
			RawValues:      options.RawValues,
			HandlerTimeout: options.HandlerTimeout,
			WriteTimeout:   options.WriteTimeout,
			FallbackAction: options.FallbackAction,
		},
	}
	if options.FallbackAction != nil {
		if err := options.FallbackAction.Validate(); err != nil {
			serverCancel()
			return nil, fmt.Errorf("server %s: fallback action: %w", name, err)
		}
	}

	s.limiter = serverPkg.NewConnectionLimiter(name, options.MaxConnections, options.MaxConnectionsPerIP, options.TrustedNetworks)
	s.limiter.StartCleanup(serverCtx)

	return s, nil
}

// Start listens and serves until the server is closed. Startup and accept
// failures are sent to errChan.
func (s *PolicyServer) Start(errChan chan error) {
	listener, err := serverPkg.Listen(s.appCtx, s.addr, s.socketMode)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("policy server %s: %w", s.name, err)
		return
	}
	defer listener.Close()

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	logger.Info("Policy server listening", "name", s.name, "addr", listener.Addr().String(),
		"handler_timeout", s.connOpts.HandlerTimeout, "idle_timeout", s.idleTimeout, "session_max", s.sessionTimeout)

	go func() {
		<-s.appCtx.Done()
		logger.Debug("Policy: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("Policy server stopped gracefully", "name", s.name)
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logger.Warn("Policy: temporary accept error", "name", s.name, "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			errChan <- fmt.Errorf("policy server %s: accept: %w", s.name, err)
			return
		}

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			logger.Info("Policy: connection rejected", "name", s.name, "remote", serverPkg.GetAddrString(conn.RemoteAddr()), "error", err)
			metrics.ConnectionsRejected.WithLabelValues(s.name).Inc()
			conn.Close()
			continue
		}

		s.serve(conn, releaseConn)
	}
}

func (s *PolicyServer) serve(conn net.Conn, release func()) {
	total := s.totalConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues(s.name).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(s.name).Inc()

	sess := &session{
		id:      idgen.New(),
		remote:  serverPkg.GetAddrString(conn.RemoteAddr()),
		started: time.Now(),
	}
	log := logger.With("name", s.name, "session", sess.id, "remote", sess.remote)

	sess.tc = serverPkg.NewTimeoutConn(conn, serverPkg.TimeoutConnConfig{
		Server:          s.name,
		IdleTimeout:     s.idleTimeout,
		AbsoluteTimeout: s.sessionTimeout,
		OnTimeout: func(reason string) {
			log.Debug("Policy: connection timed out", "reason", reason)
		},
	})

	opts := s.connOpts
	opts.OnResponse = func(req *Request, act Action, elapsed time.Duration) {
		s.totalRequests.Add(1)
		metrics.RequestsTotal.WithLabelValues(s.name, verbLabel(act.Verb)).Inc()
		metrics.RequestDuration.WithLabelValues(s.name).Observe(elapsed.Seconds())
		log.Debug("Policy: response", "action", act.String(), "queue_id", req.QueueID(),
			"instance", req.Instance(), "protocol_state", req.ProtocolState(), "duration", elapsed)
	}
	opts.OnHandlerError = func(req *Request, err error) {
		metrics.HandlerErrors.WithLabelValues(s.name).Inc()
		log.Warn("Policy: handler failed", "queue_id", req.QueueID(), "error", err)
	}
	handler := HandlerFunc(func(ctx context.Context, req *Request) (Action, error) {
		sess.tc.SetBusy(true)
		defer sess.tc.SetBusy(false)
		if s.logRequests {
			log.Debug("Policy: request", requestLogAttrs(req)...)
		}
		return s.handler.HandlePolicy(ctx, req)
	})
	sess.conn = NewConn(sess.tc, handler, opts)

	sessionCtx := context.WithValue(s.appCtx, consts.SessionIDKey, sess.id)
	sessionCtx = context.WithValue(sessionCtx, consts.ServerNameKey, s.name)

	log.Debug("Policy: new connection", "total_connections", total)

	s.addSession(sess)
	s.sessionsWg.Add(1)
	go func() {
		defer s.sessionsWg.Done()
		defer s.removeSession(sess)
		defer metrics.ConnectionsCurrent.WithLabelValues(s.name).Dec()
		defer release()

		err := sess.conn.Serve(sessionCtx)
		s.logSessionEnd(log, sess, err)
	}()
}

func (s *PolicyServer) logSessionEnd(log *slog.Logger, sess *session, err error) {
	reason := ReasonOf(err).String()
	if tr := sess.tc.TimeoutReason(); tr != "" {
		reason = "timeout_" + tr
	}
	duration := time.Since(sess.started)

	metrics.SessionTerminations.WithLabelValues(s.name, reason).Inc()
	metrics.ConnectionDuration.WithLabelValues(s.name).Observe(duration.Seconds())

	attrs := []any{"reason", reason, "requests", sess.conn.Requests(), "duration", duration.Round(time.Millisecond)}
	switch ReasonOf(err) {
	case ReasonClosed, ReasonCancelled:
		log.Debug("Policy: connection closed", attrs...)
	case ReasonTransport:
		if serverPkg.IsConnectionError(err) || sess.tc.TimeoutReason() != "" {
			log.Debug("Policy: connection closed", append(attrs, "error", err)...)
			return
		}
		log.Warn("Policy: connection closed", append(attrs, "error", err)...)
	default:
		log.Warn("Policy: connection closed", append(attrs, "error", err)...)
	}
}

// Ready is closed once the listener is open.
func (s *PolicyServer) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before the server is ready.
func (s *PolicyServer) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *PolicyServer) Name() string {
	return s.name
}

// Close stops accepting, aborts every open connection and waits up to
// timeout for their goroutines to finish. An in-flight request on an aborted
// connection gets no response; Postfix retries it on a new connection.
func (s *PolicyServer) Close(timeout time.Duration) {
	if s.cancel != nil {
		s.cancel()
	}

	s.activeSessionsMutex.RLock()
	sessions := make([]*session, 0, len(s.activeSessions))
	for sess := range s.activeSessions {
		sessions = append(sessions, sess)
	}
	s.activeSessionsMutex.RUnlock()
	for _, sess := range sessions {
		sess.conn.Close()
	}

	s.waitForSessionsDrain(timeout)
}

func (s *PolicyServer) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("Policy: All sessions drained gracefully", "name", s.name)
	case <-time.After(timeout):
		logger.Warn("Policy: Session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
	}
}

func (s *PolicyServer) addSession(sess *session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.activeSessions[sess] = struct{}{}
}

func (s *PolicyServer) removeSession(sess *session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, sess)
}

func (s *PolicyServer) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// ServerStats is a point-in-time view of a policy server.
type ServerStats struct {
	Name              string                    `json:"name"`
	Addr              string                    `json:"addr"`
	ActiveConnections int                       `json:"active_connections"`
	TotalConnections  int64                     `json:"total_connections"`
	RequestsAnswered  int64                     `json:"requests_answered"`
	ConnectionLimiter serverPkg.ConnectionStats `json:"connection_limiter"`
}

func (s *PolicyServer) Stats() ServerStats {
	s.activeSessionsMutex.RLock()
	active := len(s.activeSessions)
	s.activeSessionsMutex.RUnlock()

	addr := s.addr
	if a := s.Addr(); a != nil {
		addr = a.String()
	}
	return ServerStats{
		Name:              s.name,
		Addr:              addr,
		ActiveConnections: active,
		TotalConnections:  s.totalConnections.Load(),
		RequestsAnswered:  s.totalRequests.Load(),
		ConnectionLimiter: s.limiter.GetStats(),
	}
}

// verbLabel keeps the metric label set bounded.
func verbLabel(verb string) string {
	if IsKnownVerb(verb) {
		return strings.ToUpper(verb)
	}
	if len(verb) == 3 && verb[0] >= '2' && verb[0] <= '5' {
		return verb[:1] + "xx"
	}
	return "other"
}

func requestLogAttrs(req *Request) []any {
	attrs := make([]any, 0, req.Len()*2)
	for name, value := range req.All() {
		if value == "" {
			continue
		}
		attrs = append(attrs, name, helpers.MaskSensitive(name, value))
	}
	return attrs
}
