package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vango-go/vai-duplex/pkg/core/live"
	"github.com/vango-go/vai-duplex/pkg/gateway/feed"
)

const commandHelp = "Commands: /start, /stop, /reset, /mode audio|video|both, /status, /exit"

var errExit = errors.New("exit requested")

// scanLines feeds r line by line until EOF. The reader goroutine outlives
// the command loop when r blocks, which is fine for stdin.
func scanLines(r io.Reader) <-chan string {
	lines := make(chan string)
	if r == nil {
		close(lines)
		return lines
	}
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// runCommands executes one command per line until /exit, EOF or ctx ends.
func runCommands(ctx context.Context, lines <-chan string, out io.Writer, ctl feed.Controller, prompt bool) error {
	fmt.Fprintln(out, commandHelp)
	for {
		if prompt {
			fmt.Fprint(out, "> ")
		}
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		err := handleCommand(ctx, ctl, line, out)
		if errors.Is(err, errExit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(out, "[ERROR] %v\n", err)
		}
	}
}

func handleCommand(ctx context.Context, ctl feed.Controller, line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch strings.ToLower(fields[0]) {
	case "/start":
		if err := ctl.StartRecording(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "[RECORDING]")
	case "/stop":
		ctl.StopRecording()
		fmt.Fprintln(out, "[STOPPED]")
	case "/reset":
		if err := ctl.Reset(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "[RESET]")
	case "/mode":
		if len(fields) != 2 {
			return errors.New("usage: /mode audio|video|both")
		}
		mode, err := live.ParseMode(fields[1])
		if err != nil {
			return err
		}
		if err := ctl.SetMode(ctx, mode); err != nil {
			return err
		}
		fmt.Fprintf(out, "[MODE] %s\n", mode)
	case "/status":
		fmt.Fprintln(out, statusLine(ctl))
	case "/exit", "/quit":
		return errExit
	default:
		fmt.Fprintln(out, commandHelp)
	}
	return nil
}

func statusLine(ctl feed.Controller) string {
	line := fmt.Sprintf("state=%s mode=%s", ctl.State(), ctl.Mode())
	if id := ctl.ID(); id != "" {
		line += " session=" + id
	}
	if status := ctl.Status(); status != "" {
		line += fmt.Sprintf(" status=%q", status)
	}
	return line
}

// printEvents echoes finished transcript turns, state changes and errors,
// and forwards every event to the feed. Forwarding never blocks the
// session.
func printEvents(ctx context.Context, out io.Writer, events <-chan live.Event, forward chan<- live.Event) {
	last := make(map[string]string)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case *live.TranscriptEvent:
				// A transcript buffer is cleared once its turn's grace
				// period ends, so the text before the clear is the turn.
				if e.Text == "" && last[e.Role] != "" {
					fmt.Fprintf(out, "[%s] %s\n", strings.ToUpper(e.Role), last[e.Role])
				}
				last[e.Role] = e.Text
			case *live.ErrorEvent:
				fmt.Fprintf(out, "[ERROR] %s: %s\n", e.Code, e.Message)
			case *live.StateChangedEvent:
				fmt.Fprintf(out, "[STATE] %s -> %s\n", e.From, e.To)
			}
			select {
			case forward <- ev:
			default:
			}
		}
	}
}
