package policy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Handler decides the action for one policy request. Implementations must be
// safe for concurrent use: every connection calls the same Handler from its
// own goroutine.
type Handler interface {
	HandlePolicy(ctx context.Context, req *Request) (Action, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) (Action, error)

func (f HandlerFunc) HandlePolicy(ctx context.Context, req *Request) (Action, error) {
	return f(ctx, req)
}

// ConnOptions tunes a single connection.
type ConnOptions struct {
	Limits    Limits
	RawValues bool // do not %XX-decode attribute values

	// HandlerTimeout bounds one handler call. When it fires the connection
	// is abandoned without a response. Zero disables it.
	HandlerTimeout time.Duration
	// ReadTimeout bounds the wait for each line, WriteTimeout each response.
	// They only apply when the transport supports deadlines.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// FallbackAction, when set, is written instead of closing the connection
	// if the handler fails or returns an action that cannot be encoded.
	FallbackAction *Action

	// OnResponse is called after every response has been flushed.
	OnResponse func(req *Request, act Action, elapsed time.Duration)
	// OnHandlerError receives every handler failure, including those
	// answered with FallbackAction.
	OnHandlerError func(req *Request, err error)
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Conn runs the request/response loop for one transport connection.
type Conn struct {
	rwc  io.ReadWriteCloser
	r    *Reader
	w    *bufio.Writer
	h    Handler
	opts ConnOptions

	requests  atomic.Int64
	closing   atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewConn prepares a connection loop. It does not start reading.
func NewConn(rwc io.ReadWriteCloser, h Handler, opts ConnOptions) *Conn {
	return &Conn{
		rwc:    rwc,
		r:      NewReader(rwc, opts.Limits, opts.RawValues),
		w:      bufio.NewWriter(rwc),
		h:      h,
		opts:   opts,
		closed: make(chan struct{}),
	}
}

// ServeConn runs a connection loop to completion. See Conn.Serve.
func ServeConn(ctx context.Context, rwc io.ReadWriteCloser, h Handler, opts ConnOptions) error {
	return NewConn(rwc, h, opts).Serve(ctx)
}

// Requests returns the number of requests answered so far.
func (c *Conn) Requests() int64 {
	return c.requests.Load()
}

// Close aborts the loop from another goroutine. A Serve blocked on I/O or on
// the handler returns promptly with ErrCancelled.
func (c *Conn) Close() error {
	c.closing.Store(true)
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

// Serve reads requests, asks the handler for a verdict and writes one
// response per request, strictly alternating, until the peer closes the
// connection or an error ends it. The transport is always closed on return.
//
// A nil return means the peer closed the connection between requests. Any
// other outcome is a *SessionError carrying the Reason.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.Close()

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}

	for {
		if err := ctx.Err(); err != nil {
			return c.cancelled(err)
		}

		c.setReadDeadline()
		req, err := c.r.ReadRequest()
		if err != nil {
			if c.closing.Load() {
				return c.cancelled(ctx.Err())
			}
			if errors.Is(err, ErrConnectionClosed) {
				return nil
			}
			if isFramingError(err) {
				return &SessionError{Reason: ReasonProtocol, Err: err}
			}
			return &SessionError{Reason: ReasonTransport, Err: fmt.Errorf("read request: %w", err)}
		}

		start := time.Now()
		act, err := c.decide(ctx, req)
		if err != nil {
			switch {
			case errors.Is(err, ErrCancelled):
				return c.cancelled(ctx.Err())
			case errors.Is(err, ErrHandlerTimeout):
				c.reportHandlerError(req, err)
				return &SessionError{Reason: ReasonTimeout, Err: err}
			}
			c.reportHandlerError(req, err)
			if c.opts.FallbackAction == nil {
				return &SessionError{Reason: ReasonHandler, Err: err}
			}
			act = *c.opts.FallbackAction
		}

		buf, err := EncodeAction(act)
		if err != nil {
			c.reportHandlerError(req, err)
			if c.opts.FallbackAction == nil {
				return &SessionError{Reason: ReasonHandler, Err: err}
			}
			act = *c.opts.FallbackAction
			if buf, err = EncodeAction(act); err != nil {
				return &SessionError{Reason: ReasonHandler, Err: fmt.Errorf("fallback action: %w", err)}
			}
		}

		if err := c.writeResponse(buf); err != nil {
			if c.closing.Load() {
				return c.cancelled(ctx.Err())
			}
			return &SessionError{Reason: ReasonTransport, Err: fmt.Errorf("write response: %w", err)}
		}

		c.requests.Add(1)
		if c.opts.OnResponse != nil {
			c.opts.OnResponse(req, act, time.Since(start))
		}
	}
}

// decide runs the handler in its own goroutine so that a handler which
// ignores its context cannot pin the connection past the timeout or a
// cancellation.
func (c *Conn) decide(ctx context.Context, req *Request) (Action, error) {
	hctx, cancel := ctx, context.CancelFunc(func() {})
	if c.opts.HandlerTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, c.opts.HandlerTimeout)
	}
	defer cancel()

	type result struct {
		act Action
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("policy handler panic: %v", p)}
			}
		}()
		act, err := c.h.HandlePolicy(hctx, req)
		done <- result{act: act, err: err}
	}()

	select {
	case res := <-done:
		return c.handlerResult(ctx, hctx, res.act, res.err)
	case <-hctx.Done():
	case <-c.closed:
		return Action{}, ErrCancelled
	}

	// The deadline and the handler may race; prefer a result that is ready.
	select {
	case res := <-done:
		return c.handlerResult(ctx, hctx, res.act, res.err)
	default:
	}
	if ctx.Err() != nil || c.closing.Load() {
		return Action{}, ErrCancelled
	}
	return Action{}, fmt.Errorf("%w after %v", ErrHandlerTimeout, c.opts.HandlerTimeout)
}

// handlerResult maps a handler failure caused by its context ending to the
// matching loop outcome.
func (c *Conn) handlerResult(ctx, hctx context.Context, act Action, err error) (Action, error) {
	switch {
	case err == nil:
		return act, nil
	case ctx.Err() != nil || c.closing.Load():
		return Action{}, ErrCancelled
	case errors.Is(hctx.Err(), context.DeadlineExceeded):
		return Action{}, fmt.Errorf("%w after %v: %w", ErrHandlerTimeout, c.opts.HandlerTimeout, err)
	}
	return act, err
}

func (c *Conn) writeResponse(buf []byte) error {
	if c.opts.WriteTimeout > 0 {
		if d, ok := c.rwc.(writeDeadliner); ok {
			_ = d.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		}
	}
	if _, err := c.w.Write(buf); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *Conn) setReadDeadline() {
	if c.opts.ReadTimeout <= 0 {
		return
	}
	if d, ok := c.rwc.(readDeadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
}

func (c *Conn) cancelled(cause error) error {
	err := ErrCancelled
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	return &SessionError{Reason: ReasonCancelled, Err: err}
}

func (c *Conn) reportHandlerError(req *Request, err error) {
	if c.opts.OnHandlerError != nil {
		c.opts.OnHandlerError(req, err)
	}
}
