// Package console reads operator input and turns each line into a broadcast
// or a direct send.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/echocast/internal/server"
)

// Operator commands.
const (
	QuitCommand = "q"
	ListCommand = "/list"
	SendCommand = "/send"
)

// Target is the part of the core the console drives.
type Target interface {
	Broadcast(ctx context.Context, message string) server.Report
	SendTo(ctx context.Context, id, message string) error
	Connections() []server.ConnectionInfo
}

// Console is a line-oriented operator loop.
type Console struct {
	in     io.Reader
	out    io.Writer
	target Target
	logger *zap.Logger
}

// New creates a console reading from in and printing results to out.
func New(in io.Reader, out io.Writer, target Target, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{in: in, out: out, target: target, logger: logger}
}

// Run processes input until the quit command, end of input, or ctx
// cancellation. All three end the loop with a nil error; only a read
// failure is returned.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)

	// Reads from stdin cannot be interrupted, so they live on their own goroutine.
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read operator input: %w", err)
					}
				default:
				}
				return nil
			}
			if strings.TrimSpace(line) == QuitCommand {
				c.logger.Info("Operator requested exit")
				return nil
			}
			c.handle(ctx, line)
		}
	}
}

func (c *Console) handle(ctx context.Context, line string) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == ListCommand:
		c.list()
	case trimmed == SendCommand || strings.HasPrefix(trimmed, SendCommand+" "):
		c.send(ctx, strings.TrimSpace(strings.TrimPrefix(trimmed, SendCommand)))
	default:
		c.broadcast(ctx, line)
	}
}

func (c *Console) list() {
	conns := c.target.Connections()
	if len(conns) == 0 {
		c.printf("no open connections\n")
		return
	}
	for _, info := range conns {
		c.printf("%s\t%s\t%s\tsince %s\n", info.ID, info.Transport, info.RemoteAddr, info.ConnectedAt.Format(time.RFC3339))
	}
}

func (c *Console) send(ctx context.Context, args string) {
	id, message, ok := strings.Cut(args, " ")
	if !ok || id == "" {
		c.printf("usage: %s <connection-id> <message>\n", SendCommand)
		return
	}
	if err := c.target.SendTo(ctx, id, message); err != nil {
		c.printf("send to %s failed: %v\n", id, err)
		return
	}
	c.printf("sent to %s\n", id)
}

func (c *Console) broadcast(ctx context.Context, message string) {
	report := c.target.Broadcast(ctx, message)
	failed := report.Failed()
	c.printf("broadcast to %d connection(s), %d failed\n", report.Delivered(), len(failed))
	for _, d := range failed {
		c.printf("\t%s: %v\n", d.ConnectionID, d.Err)
	}
}

func (c *Console) printf(format string, args ...any) {
	if _, err := fmt.Fprintf(c.out, format, args...); err != nil {
		c.logger.Warn("Error writing console output", zap.Error(err))
	}
}

// PrintInstructions shows interactive usage.
func PrintInstructions(w io.Writer, addr, transform string, heartbeat time.Duration) {
	_, _ = fmt.Fprintf(w, "\n\nThe echo server is listening on %q\n"+
		"\tTelnet or netcat may be used to establish a connection.\n"+
		"\tAll messages will be echoed back (transform: %s).\n"+
		"\tOpen connections receive a %q message every %s.\n"+
		"\nTo broadcast a message to all open connections,\n"+
		"\tenter some text and press <enter>.\n"+
		"\t%s lists open connections, %s <id> <text> sends to one.\n"+
		"\t%s exits.\n\n",
		addr, transform, server.HeartbeatMessage, heartbeat, ListCommand, SendCommand, QuitCommand)
}
