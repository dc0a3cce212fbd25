// Command policy-dump listens on a policy socket and prints every request it
// receives, answering DUNNO so mail flow is unaffected. It is meant for
// inspecting what Postfix actually sends at each protocol state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/logger"
	serverPkg "github.com/migadu/policyd/server"
	"github.com/migadu/policyd/server/policy"
)

// dumper writes requests to out, one block per request.
type dumper struct {
	mu  sync.Mutex
	out io.Writer
}

func (d *dumper) handler(connection uint64) policy.Handler {
	return policy.HandlerFunc(func(_ context.Context, req *policy.Request) (policy.Action, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		fmt.Fprintf(d.out, "Request on connection #%d\n", connection)
		for name, value := range req.All() {
			fmt.Fprintf(d.out, "%s=%s\n", name, value)
		}
		fmt.Fprintf(d.out, "End of request on connection #%d\n", connection)
		return policy.Dunno(), nil
	})
}

func main() {
	addr := flag.String("addr", "unix:/tmp/policy_example", "Address to listen on (unix:/path, inet:host:port)")
	socketMode := flag.Uint("mode", 0o666, "Permissions of a unix socket")
	raw := flag.Bool("raw", false, "Print values without %XX decoding")
	debug := flag.Bool("debug", false, "Log connection events to stderr")
	flag.Parse()

	level := "warn"
	if *debug {
		level = "debug"
	}
	if _, err := logger.Initialize(config.LoggingConfig{Output: "stderr", Format: "console", Level: level}); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := serverPkg.Listen(ctx, *addr, os.FileMode(*socketMode))
	if err != nil {
		logger.Fatalf("Binding listener socket failed: %v", err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	fmt.Fprintf(os.Stderr, "policy-dump listening on %s\n", listener.Addr())

	if err := serve(ctx, listener, &dumper{out: os.Stdout}, *raw); err != nil {
		logger.Fatalf("%v", err)
	}
}

// serve accepts until the listener is closed. Connections are numbered from
// zero in accept order.
func serve(ctx context.Context, listener net.Listener, d *dumper, raw bool) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	opts := policy.ConnOptions{RawValues: raw}
	var connection uint64
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		n := connection
		connection++
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := policy.ServeConn(ctx, conn, d.handler(n), opts)
			logger.Debug("Connection closed", "connection", n, "reason", policy.ReasonOf(err).String(), "error", err)
		}()
	}
}
