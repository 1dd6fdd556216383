// Package interactive provides the operator console of upnp-bridge.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/mash-protocol/upnp-bridge/pkg/log"
	"github.com/mash-protocol/upnp-bridge/pkg/service"
)

// Bridge is the part of the bridge service the console inspects.
type Bridge interface {
	InstanceID() string
	Devices() []service.DeviceInfo
	Status() service.Status
	Reprocess(usn string) error
}

// Searcher triggers an SSDP M-SEARCH.
type Searcher interface {
	Search() error
}

// TraceSource returns recent trace events.
type TraceSource interface {
	Last(n int) []log.Event
}

// defaultTraceLines is the number of events "trace" shows without argument.
const defaultTraceLines = 20

// Console handles interactive mode for upnp-bridge.
type Console struct {
	bridge   Bridge
	searcher Searcher
	trace    TraceSource
	rl       *readline.Instance
	out      io.Writer
}

// New creates a console reading from the terminal.
func New(bridge Bridge, searcher Searcher, trace TraceSource) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "bridge> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	c := newConsole(bridge, searcher, trace, rl.Stdout())
	c.rl = rl
	return c, nil
}

func newConsole(bridge Bridge, searcher Searcher, trace TraceSource, out io.Writer) *Console {
	return &Console{bridge: bridge, searcher: searcher, trace: trace, out: out}
}

// Run starts the interactive command loop. Quitting cancels ctx.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) error {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return nil
		}

		if !c.Execute(line) {
			cancel()
			return nil
		}
	}
}

// Execute runs one command line. It returns false when the console should
// exit.
func (c *Console) Execute(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()

	case "devices", "list", "ls":
		c.cmdDevices()

	case "status":
		c.cmdStatus()

	case "search":
		c.cmdSearch()

	case "reprocess":
		c.cmdReprocess(args)

	case "trace":
		c.cmdTrace(args)

	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return false

	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
UPnP Bridge Commands:
  devices            - List active devices and their subscriptions
  status             - Show bridge status and pending retries
  search             - Send an SSDP M-SEARCH now
  reprocess <usn>    - Tear down and re-subscribe a device
  trace [n]          - Show the last n trace events (default 20)
  help               - Show this help
  quit               - Exit the bridge`)
}

func (c *Console) cmdDevices() {
	devices := c.bridge.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(c.out, "No active devices")
		return
	}
	for _, d := range devices {
		fmt.Fprintf(c.out, "%s  %q  %s\n", d.UDN, d.FriendlyName, d.State)
		fmt.Fprintf(c.out, "  usn:      %s\n", d.USN)
		fmt.Fprintf(c.out, "  location: %s\n", d.Location)
		if !d.ActiveSince.IsZero() {
			fmt.Fprintf(c.out, "  active:   %s\n", time.Since(d.ActiveSince).Round(time.Second))
		}
		for _, s := range d.Subscriptions {
			fmt.Fprintf(c.out, "    %-45s %s (lease %s)\n", s.ServiceID, s.SID, s.Lease)
		}
	}
}

func (c *Console) cmdStatus() {
	st := c.bridge.Status()
	fmt.Fprintf(c.out, "Instance:      %s\n", c.bridge.InstanceID())
	fmt.Fprintf(c.out, "State:         %s\n", st.State)
	fmt.Fprintf(c.out, "Devices:       %d\n", st.Devices)
	fmt.Fprintf(c.out, "Subscriptions: %d\n", st.Subscriptions)
	fmt.Fprintf(c.out, "Pending:       %d\n", st.Pending)
	fmt.Fprintf(c.out, "Queued:        %d\n", st.Queued)
	fmt.Fprintf(c.out, "Guarded:       %d\n", st.Guarded)
	if len(st.Retries) == 0 {
		return
	}
	fmt.Fprintln(c.out, "Retries:")
	for _, r := range st.Retries {
		fmt.Fprintf(c.out, "  %s  attempt %d  due %s\n", r.Event.USN, r.Attempt, r.Due.Format(time.TimeOnly))
	}
}

func (c *Console) cmdSearch() {
	if c.searcher == nil {
		fmt.Fprintln(c.out, "Search not available")
		return
	}
	if err := c.searcher.Search(); err != nil {
		fmt.Fprintf(c.out, "Search failed: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, "Search sent")
}

func (c *Console) cmdReprocess(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: reprocess <usn>")
		return
	}
	if err := c.bridge.Reprocess(args[0]); err != nil {
		fmt.Fprintf(c.out, "Reprocess failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Queued %s for reprocessing\n", args[0])
}

func (c *Console) cmdTrace(args []string) {
	if c.trace == nil {
		fmt.Fprintln(c.out, "Trace not available")
		return
	}
	n := defaultTraceLines
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			fmt.Fprintln(c.out, "Usage: trace [n]")
			return
		}
		n = v
	}
	for _, ev := range c.trace.Last(n) {
		fmt.Fprintln(c.out, formatEvent(ev))
	}
}

func formatEvent(ev log.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-12s", ev.Timestamp.Format("15:04:05.000"), ev.Category)
	if ev.UDN != "" {
		fmt.Fprintf(&b, " %s", ev.UDN)
	} else if ev.USN != "" {
		fmt.Fprintf(&b, " %s", ev.USN)
	}
	if ev.ServiceID != "" {
		fmt.Fprintf(&b, " %s", ev.ServiceID)
	}
	switch {
	case ev.Discovery != nil:
		fmt.Fprintf(&b, " %s %s", ev.Discovery.Kind, ev.Discovery.Location)
	case ev.Subscription != nil:
		fmt.Fprintf(&b, " %s sid=%s", ev.Subscription.Action, ev.SID)
	case ev.Notification != nil:
		fmt.Fprintf(&b, " seq=%d %v", ev.Notification.Seq, ev.Notification.Properties)
	case ev.Publish != nil:
		fmt.Fprintf(&b, " -> %s (%d bytes)", ev.Publish.Topic, ev.Publish.Size)
	case ev.Error != nil:
		fmt.Fprintf(&b, " %s: %s", ev.Error.Stage, ev.Error.Message)
	}
	return b.String()
}
