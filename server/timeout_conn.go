package server

import (
	"net"
	"sync"
	"time"

	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/metrics"
)

// Timeout reasons reported by TimeoutConn.
const (
	TimeoutIdle       = "idle"
	TimeoutSessionMax = "session_max"
)

// TimeoutConn wraps a connection and closes it when it stays idle for too
// long or outlives its maximum session duration. Postfix keeps policy
// connections open for reuse, so both limits bound how long one peer can
// hold a slot. Idle time only accrues while the connection is not busy, so a
// slow decision is bounded by the handler timeout alone.
type TimeoutConn struct {
	net.Conn

	idleTimeout     time.Duration
	absoluteTimeout time.Duration
	server          string
	onTimeout       func(reason string)

	mu               sync.RWMutex
	lastActivity     time.Time
	sessionStart     time.Time
	busy             bool
	bytesTransferred int64
	timeoutReason    string

	closeOnce sync.Once
	stop      chan struct{}
}

// TimeoutConnConfig holds configuration for creating a TimeoutConn.
type TimeoutConnConfig struct {
	Server          string        // server name for logs and metrics
	IdleTimeout     time.Duration // 0 = no idle timeout
	AbsoluteTimeout time.Duration // 0 = no absolute timeout
	OnTimeout       func(reason string)
}

// NewTimeoutConn wraps conn. The background checker only runs when at least
// one timeout is set.
func NewTimeoutConn(conn net.Conn, config TimeoutConnConfig) *TimeoutConn {
	now := time.Now()
	tc := &TimeoutConn{
		Conn:            conn,
		idleTimeout:     config.IdleTimeout,
		absoluteTimeout: config.AbsoluteTimeout,
		server:          config.Server,
		onTimeout:       config.OnTimeout,
		lastActivity:    now,
		sessionStart:    now,
		stop:            make(chan struct{}),
	}

	if tc.idleTimeout > 0 || tc.absoluteTimeout > 0 {
		go tc.timeoutChecker()
	}
	return tc
}

func (c *TimeoutConn) checkInterval() time.Duration {
	interval := time.Minute
	for _, d := range []time.Duration{c.idleTimeout, c.absoluteTimeout} {
		if d > 0 && d/4 < interval {
			interval = d / 4
		}
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

func (c *TimeoutConn) timeoutChecker() {
	ticker := time.NewTicker(c.checkInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.RLock()
			idleTime := time.Since(c.lastActivity)
			sessionDuration := time.Since(c.sessionStart)
			busy := c.busy
			c.mu.RUnlock()

			switch {
			case c.absoluteTimeout > 0 && sessionDuration >= c.absoluteTimeout:
				logger.Debug("Policy connection closed: maximum session duration exceeded", "server", c.server,
					"remote", GetAddrString(c.RemoteAddr()), "duration", sessionDuration.Round(time.Second), "max", c.absoluteTimeout)
				c.expire(TimeoutSessionMax)
				return
			case c.idleTimeout > 0 && !busy && idleTime >= c.idleTimeout:
				logger.Debug("Policy connection closed: idle", "server", c.server,
					"remote", GetAddrString(c.RemoteAddr()), "idle", idleTime.Round(time.Second), "max", c.idleTimeout)
				c.expire(TimeoutIdle)
				return
			}

		case <-c.stop:
			return
		}
	}
}

func (c *TimeoutConn) expire(reason string) {
	c.mu.Lock()
	c.timeoutReason = reason
	c.mu.Unlock()

	metrics.ConnectionTimeoutsTotal.WithLabelValues(c.server, reason).Inc()
	if c.onTimeout != nil {
		c.onTimeout(reason)
	}
	c.Close()
}

// TimeoutReason returns the reason the connection was closed by the checker,
// or "" if it was not.
func (c *TimeoutConn) TimeoutReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeoutReason
}

// BytesTransferred returns the bytes read and written so far.
func (c *TimeoutConn) BytesTransferred() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytesTransferred
}

// Read implements net.Conn.Read with activity tracking
func (c *TimeoutConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.touch(n)
	}
	return n, err
}

// Write implements net.Conn.Write with activity tracking
func (c *TimeoutConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.touch(n)
	}
	return n, err
}

func (c *TimeoutConn) touch(n int) {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.bytesTransferred += int64(n)
	c.mu.Unlock()
}

// SetBusy pauses the idle timer while a request is being decided. Clearing
// it starts a fresh idle period.
func (c *TimeoutConn) SetBusy(busy bool) {
	c.mu.Lock()
	c.busy = busy
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Close stops the timeout checker and closes the connection
func (c *TimeoutConn) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })
	return c.Conn.Close()
}

// Unwrap returns the underlying connection
func (c *TimeoutConn) Unwrap() net.Conn {
	return c.Conn
}

// GetAddrString renders an address for logs; unix socket peers are unnamed.
func GetAddrString(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	if s := addr.String(); s != "" && s != "@" {
		return s
	}
	return "local"
}
