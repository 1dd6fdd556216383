// Package commands implements the upnp-bridge-trace CLI commands.
package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/mash-protocol/upnp-bridge/pkg/log"
)

const timestampLayout = "2006-01-02T15:04:05.000000Z"

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp CATEGORY label device
	ts := event.Timestamp.UTC().Format(timestampLayout)
	device := event.UDN
	if device == "" {
		device = event.USN
	}
	fmt.Fprintf(w, "%s %-12s %s %s\n", ts, event.Category, eventLabel(event), device)

	if event.ServiceID != "" {
		fmt.Fprintf(w, "  Service: %s\n", event.ServiceID)
	}
	if event.SID != "" {
		fmt.Fprintf(w, "  SID: %s\n", event.SID)
	}

	switch {
	case event.Discovery != nil:
		formatDiscoveryDetails(w, event.Discovery)
	case event.Subscription != nil:
		formatSubscriptionDetails(w, event.Subscription)
	case event.Notification != nil:
		formatNotificationDetails(w, event.Notification)
	case event.Publish != nil:
		formatPublishDetails(w, event.Publish)
	case event.Error != nil:
		fmt.Fprintf(w, "  Stage: %s\n", event.Error.Stage)
		fmt.Fprintf(w, "  Error: %s\n", event.Error.Message)
	}

	fmt.Fprintln(w) // Blank line between events
}

// eventLabel returns the short type label of the event payload.
func eventLabel(event log.Event) string {
	switch {
	case event.Discovery != nil:
		return strings.ToUpper(event.Discovery.Kind)
	case event.Subscription != nil:
		return event.Subscription.Action.String()
	case event.Notification != nil:
		return "NOTIFY"
	case event.Publish != nil:
		return "PUBLISH"
	case event.Error != nil:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func formatDiscoveryDetails(w io.Writer, d *log.DiscoveryEvent) {
	if d.Location != "" {
		fmt.Fprintf(w, "  Location: %s\n", d.Location)
	}
	if d.Server != "" {
		fmt.Fprintf(w, "  Server: %s\n", d.Server)
	}
}

func formatSubscriptionDetails(w io.Writer, s *log.SubscriptionEvent) {
	if s.EventURL != "" {
		fmt.Fprintf(w, "  EventURL: %s\n", s.EventURL)
	}
	if s.OldSID != "" {
		fmt.Fprintf(w, "  OldSID: %s\n", s.OldSID)
	}
	if s.Timeout > 0 {
		fmt.Fprintf(w, "  Timeout: %s\n", s.Timeout)
	}
}

func formatNotificationDetails(w io.Writer, n *log.NotificationEvent) {
	fmt.Fprintf(w, "  SEQ: %d\n", n.Seq)
	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s = %s\n", name, truncate(n.Properties[name], 120))
	}
}

func formatPublishDetails(w io.Writer, p *log.PublishEvent) {
	fmt.Fprintf(w, "  Topic: %s\n", p.Topic)
	fmt.Fprintf(w, "  Size: %d bytes", p.Size)
	if p.Retain {
		fmt.Fprint(w, " (retained)")
	}
	fmt.Fprintln(w)
}

// truncate shortens long property values such as LastChange documents.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ParseCategoryFlag parses a category string from command-line flag (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	c, ok := log.ParseCategory(strings.ToUpper(s))
	if !ok {
		return 0, fmt.Errorf("invalid category: %s (must be discovery, subscription, notification, publish, or error)", s)
	}
	return c, nil
}

// ParseTimeFlag parses an RFC3339 time from a command-line flag.
func ParseTimeFlag(name, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s format: %w", name, err)
	}
	return &t, nil
}

// RunView executes the view command.
func RunView(path string, filter log.Filter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}

	return nil
}
