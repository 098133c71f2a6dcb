package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/kiwilink/internal/bus"
	"github.com/skobkin/kiwilink/internal/events"
	"github.com/skobkin/kiwilink/internal/session"
)

type connectOptions struct {
	statsInterval time.Duration
	ackWait       time.Duration
}

func newConnectCmd(root *rootOptions) *cobra.Command {
	opts := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open a session and forward stdin lines as commands",
		Long: `Opens a session with the robot, prints state changes and video statistics,
and sends every non-empty line read from stdin as one command. Ends on EOF or interrupt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConnect(cmd, root, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.statsInterval, "stats-interval", 5*time.Second, "video statistics print interval, 0 disables")
	cmd.Flags().DurationVar(&opts.ackWait, "ack-wait", defaultAckWait, "how long to wait for each command to be written")

	return cmd
}

func runConnect(cmd *cobra.Command, root *rootOptions, opts *connectOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var frames, bytes atomic.Uint64
	rt, err := root.openRuntime(ctx, cmd, func(msg session.VideoMessage) {
		frames.Add(1)
		bytes.Add(uint64(len(msg.Payload)))
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = rt.Close()
	}()

	out := cmd.OutOrStdout()
	st := rt.Bridge.Status()
	_, _ = fmt.Fprintf(out, "session %s %s (command %s, video %s)\n",
		st.SessionID, st.State, st.Config.Targets().Command.Address(), st.Config.Targets().Video.Address())

	printCtx, stopPrinters := context.WithCancel(ctx)
	var printers sync.WaitGroup
	sub := rt.Bus.Subscribe(events.TopicSessionState)
	defer func() {
		rt.Bus.Unsubscribe(sub)
		stopPrinters()
		printers.Wait()
	}()

	printers.Add(1)
	go func() {
		defer printers.Done()
		printStates(sub, out)
	}()
	if opts.statsInterval > 0 {
		printers.Add(1)
		go func() {
			defer printers.Done()
			printVideoStats(printCtx, out, opts.statsInterval, &frames, &bytes)
		}()
	}

	lines := readLines(ctx, cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := sendAndWait(ctx, rt, []byte(line), opts.ackWait); err != nil {
				_, _ = fmt.Fprintf(out, "command %q: %v\n", line, err)
				continue
			}
			_, _ = fmt.Fprintf(out, "sent %q\n", line)
		}
	}
}

// printStates runs until sub is closed by Unsubscribe.
func printStates(sub bus.Subscription, out io.Writer) {
	for raw := range sub {
		status, ok := raw.(events.SessionStatus)
		if !ok {
			continue
		}
		if status.Reason != "" {
			_, _ = fmt.Fprintf(out, "state %s -> %s: %s\n", status.PreviousState, status.State, status.Reason)
			continue
		}
		_, _ = fmt.Fprintf(out, "state %s -> %s\n", status.PreviousState, status.State)
	}
}

func printVideoStats(ctx context.Context, out io.Writer, interval time.Duration, frames, bytes *atomic.Uint64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastFrames uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := frames.Load()
			fps := float64(total-lastFrames) / interval.Seconds()
			lastFrames = total
			_, _ = fmt.Fprintf(out, "video frames=%d bytes=%d fps=%.1f\n", total, bytes.Load(), fps)
		}
	}
}

// readLines yields trimmed non-empty lines until EOF.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	return lines
}
