package commands

import (
	"fmt"
	"io"

	"github.com/mash-protocol/upnp-bridge/pkg/discovery"
	"github.com/mash-protocol/upnp-bridge/pkg/log"
)

// FilterOptions specifies filtering criteria for the filter command.
type FilterOptions struct {
	Output    string
	USN       string
	UDN       string
	ServiceID string
	TimeStart string
	TimeEnd   string
	Category  string
}

// BuildFilter converts command-line options into a trace filter. A full
// USN is cut to its device part, the form the bridge traces under.
func BuildFilter(opts FilterOptions) (log.Filter, error) {
	filter := log.Filter{
		USN:       discovery.NormalizeUSN(opts.USN),
		UDN:       opts.UDN,
		ServiceID: opts.ServiceID,
	}

	var err error
	if filter.TimeStart, err = ParseTimeFlag("time-start", opts.TimeStart); err != nil {
		return log.Filter{}, err
	}
	if filter.TimeEnd, err = ParseTimeFlag("time-end", opts.TimeEnd); err != nil {
		return log.Filter{}, err
	}

	if opts.Category != "" {
		c, err := ParseCategoryFlag(opts.Category)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Category = &c
	}
	return filter, nil
}

// RunFilter filters the trace file and writes matching events to a new
// file. It returns the number of events written.
func RunFilter(path string, opts FilterOptions) (int, error) {
	filter, err := BuildFilter(opts)
	if err != nil {
		return 0, err
	}

	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer reader.Close()

	// Create file logger to write filtered events
	logger, err := log.NewFileLogger(opts.Output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}
	defer logger.Close()

	count := 0
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to read event: %w", err)
		}

		logger.Log(event)
		count++
	}

	if dropped := logger.Dropped(); dropped > 0 {
		return count, fmt.Errorf("failed to write %d events", dropped)
	}
	return count, nil
}
