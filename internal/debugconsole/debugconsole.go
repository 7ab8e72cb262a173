// Package debugconsole exposes the §6.5 control-message grammar as an
// interactive line protocol over a pseudo-terminal, for field debugging
// without a real serial cable. Grounded on the teacher's kiss.go
// (github.com/creack/pty, a virtual KISS TNC port) and serial_port.go
// (github.com/pkg/term, raw-mode termios on a real serial device); this
// combines both: a pty pair from creack/pty, with the slave side put into
// raw mode via pkg/term so an external terminal program attaching to it
// sees the protocol's lines exactly, undisturbed by line-discipline
// editing or echo.
package debugconsole

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/creack/pty"
	"github.com/pkg/term"

	"github.com/wk3x/hsdr/internal/control"
	"github.com/wk3x/hsdr/internal/hostif"
	"github.com/wk3x/hsdr/internal/radioerr"
)

// Console bridges one pty pair to a control.Dispatcher: lines in are
// parsed as "op key=value key=value...", dispatched, and the result
// written back the same way.
type Console struct {
	master   *os.File
	slavePath string
	slaveRaw *term.Term

	dispatcher *control.Dispatcher
	log        hostif.LogSink
}

// Open creates the pty pair and puts the slave into raw mode. SlavePath
// names the device node (e.g. "/dev/pts/4") an external terminal program
// should open to reach the console.
func Open(dispatcher *control.Dispatcher, log hostif.LogSink) (*Console, error) {
	ptmx, pts, err := pty.Open()
	if err != nil {
		return nil, radioerr.Wrap(radioerr.HardwareNotAvailable, "debugconsole: open pty", err)
	}
	slavePath := pts.Name()
	pts.Close()

	raw, err := term.Open(slavePath, term.RawMode)
	if err != nil {
		ptmx.Close()
		return nil, radioerr.Wrap(radioerr.HardwareIOError, "debugconsole: put slave in raw mode", err)
	}

	return &Console{
		master:     ptmx,
		slavePath:  slavePath,
		slaveRaw:   raw,
		dispatcher: dispatcher,
		log:        log,
	}, nil
}

// SlavePath returns the pty slave's device node.
func (c *Console) SlavePath() string { return c.slavePath }

// Serve reads newline-terminated commands from the master side until ctx
// is cancelled or the master is closed, dispatching each and writing the
// rendered result back.
func (c *Console) Serve(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(c.master)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			c.handleLine(ctx, line)
		}
	}
}

func (c *Console) handleLine(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	msg, err := parseLine(line)
	if err != nil {
		c.reply(fmt.Sprintf("error=%s\n", err))
		return
	}
	result, err := c.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		if c.log != nil {
			c.log.Warnf("debugconsole: %s failed: %v", msg.Op, err)
		}
		c.reply(fmt.Sprintf("error=%s\n", err))
		return
	}
	c.reply(renderResult(result))
}

func (c *Console) reply(s string) {
	if _, err := c.master.WriteString(s); err != nil && c.log != nil {
		c.log.Warnf("debugconsole: write reply: %v", err)
	}
}

// parseLine parses "op key=value key=value ..." into a hostif.Message, the
// line-protocol encoding of spec §6.5's ingress grammar.
func parseLine(line string) (hostif.Message, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return hostif.Message{}, radioerr.New(radioerr.MissingMandatoryIE, "debugconsole: empty command")
	}
	msg := hostif.Message{Op: fields[0], Params: map[string]string{}}
	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			return hostif.Message{}, radioerr.New(radioerr.ParserErr, "debugconsole: malformed parameter \""+f+"\"")
		}
		msg.Params[key] = value
	}
	return msg, nil
}

// renderResult formats a result map as sorted "key=value" pairs, one line,
// spec §6.5 "results returned as key=value pairs".
func renderResult(result map[string]string) string {
	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + result[k]
	}
	return strings.Join(parts, " ") + "\n"
}

// Close releases the pty master and the raw-mode slave handle.
func (c *Console) Close() error {
	var firstErr error
	if c.slaveRaw != nil {
		if err := c.slaveRaw.Close(); err != nil {
			firstErr = err
		}
	}
	if c.master != nil {
		if err := c.master.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
