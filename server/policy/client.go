package policy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	serverPkg "github.com/migadu/policyd/server"
)

// Client speaks the client side of the protocol, the way Postfix's
// check_policy_service does. It is used by the admin tools and in tests.
// Requests on one Client are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// Dial connects to a policy service address (unix:/path, inet:host:port or
// host:port).
func Dial(ctx context.Context, addr string) (*Client, error) {
	network, address, err := serverPkg.ParseListenAddr(addr)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial policy service %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

func NewClient(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

// Query sends one request and waits for its action. Attributes in the
// response other than action= are ignored. The context deadline, if any,
// bounds the whole exchange; on cancellation the connection is closed.
func (c *Client) Query(ctx context.Context, req *Request) (Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	if _, err := c.w.Write(EncodeRequest(req)); err != nil {
		return Action{}, c.wrapErr(ctx, "write request", err)
	}
	if err := c.w.Flush(); err != nil {
		return Action{}, c.wrapErr(ctx, "write request", err)
	}

	var act Action
	found := false
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return Action{}, c.wrapErr(ctx, "read response", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "action=") && !found {
			if act, err = ParseAction(line); err != nil {
				return Action{}, err
			}
			found = true
		}
	}
	if !found {
		return Action{}, fmt.Errorf("%w: response without action", ErrInvalidAction)
	}
	return act, nil
}

func (c *Client) wrapErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s: %w", op, ErrConnectionClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
