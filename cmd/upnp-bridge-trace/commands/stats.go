package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/mash-protocol/upnp-bridge/pkg/log"
)

// Stats holds aggregate statistics about a trace file.
type Stats struct {
	TotalEvents      int
	EventsByCategory map[log.Category]int
	Devices          map[string]*DeviceStats
	Topics           map[string]int
	Errors           map[string]int
	TimeRange        struct {
		Start time.Time
		End   time.Time
	}
}

// DeviceStats holds statistics for a single device, keyed by USN.
type DeviceStats struct {
	UDN           string
	FirstSeen     time.Time
	LastSeen      time.Time
	Events        int
	Subscribes    int
	Notifications int
	Failures      int
}

// Collect reads every event of the trace file into Stats.
func Collect(path string) (*Stats, error) {
	reader, err := log.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByCategory: make(map[log.Category]int),
		Devices:          make(map[string]*DeviceStats),
		Topics:           make(map[string]int),
		Errors:           make(map[string]int),
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}
	return stats, nil
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByCategory[event.Category]++

	// Track time range
	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	if event.Publish != nil {
		s.Topics[event.Publish.Topic]++
	}
	if event.Error != nil {
		s.Errors[event.Error.Stage]++
	}

	if event.USN == "" {
		return
	}
	dev, ok := s.Devices[event.USN]
	if !ok {
		dev = &DeviceStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		s.Devices[event.USN] = dev
	}
	dev.Events++
	if event.Timestamp.After(dev.LastSeen) {
		dev.LastSeen = event.Timestamp
	}
	if event.UDN != "" && dev.UDN == "" {
		dev.UDN = event.UDN
	}
	switch {
	case event.Subscription != nil:
		switch event.Subscription.Action {
		case log.ActionSubscribe, log.ActionResubscribe:
			dev.Subscribes++
		case log.ActionRenewalFailed:
			dev.Failures++
		}
	case event.Notification != nil:
		dev.Notifications++
	case event.Error != nil:
		dev.Failures++
	}
}

// RunStats analyzes the trace file and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats, err := Collect(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== UPnP Bridge Trace Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for c := log.CategoryDiscovery; c <= log.CategoryError; c++ {
		if count := stats.EventsByCategory[c]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", c.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Devices: %d\n", len(stats.Devices))
	if len(stats.Devices) > 0 {
		usns := make([]string, 0, len(stats.Devices))
		for usn := range stats.Devices {
			usns = append(usns, usn)
		}
		sort.Slice(usns, func(i, j int) bool {
			return stats.Devices[usns[i]].FirstSeen.Before(stats.Devices[usns[j]].FirstSeen)
		})

		fmt.Fprintln(w)
		for _, usn := range usns {
			d := stats.Devices[usn]
			fmt.Fprintf(w, "  %s: %d events, span %s\n", usn, d.Events, d.LastSeen.Sub(d.FirstSeen).Round(time.Millisecond))
			if d.UDN != "" {
				fmt.Fprintf(w, "    UDN: %s\n", d.UDN)
			}
			fmt.Fprintf(w, "    Subscribes: %d  Notifications: %d  Failures: %d\n", d.Subscribes, d.Notifications, d.Failures)
		}
	}

	if len(stats.Topics) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Topics: %d\n", len(stats.Topics))
		for _, topic := range sortedKeys(stats.Topics) {
			fmt.Fprintf(w, "  %s: %d\n", topic, stats.Topics[topic])
		}
	}

	if len(stats.Errors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Errors by Stage:")
		for _, stage := range sortedKeys(stats.Errors) {
			fmt.Fprintf(w, "  %s: %d\n", stage, stats.Errors[stage])
		}
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
