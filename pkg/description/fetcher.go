package description

import (
	"context"
	"net/url"

	"github.com/huin/goupnp"
	"github.com/rs/zerolog"
)

// LoadFunc retrieves and parses the description at loc.
type LoadFunc func(ctx context.Context, loc *url.URL) (*goupnp.RootDevice, error)

// Fetcher resolves device locations to descriptors.
type Fetcher struct {
	guard  *Guard
	load   LoadFunc
	logger zerolog.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithLoader replaces the goupnp loader.
func WithLoader(load LoadFunc) FetcherOption {
	return func(f *Fetcher) { f.load = load }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) FetcherOption {
	return func(f *Fetcher) { f.logger = logger }
}

// NewFetcher returns a Fetcher guarding locations with guard.
func NewFetcher(guard *Guard, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		guard:  guard,
		load:   goupnp.DeviceByURLCtx,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Guard returns the guard shared with the device teardown path.
func (f *Fetcher) Guard() *Guard {
	return f.guard
}

// Fetch retrieves the description at location.
//
// If the location is already guarded Fetch returns ErrAlreadyProcessed
// without any network activity. Otherwise the location is guarded before
// the request is issued. On failure the guard is released and a
// *FetchError is returned; on success it stays set.
func (f *Fetcher) Fetch(ctx context.Context, location string) (*Descriptor, error) {
	if !f.guard.TryAcquire(location) {
		return nil, ErrAlreadyProcessed
	}

	desc, err := f.fetch(ctx, location)
	if err != nil {
		f.guard.Release(location)
		f.logger.Warn().Err(err).Str("location", location).Msg("description fetch failed")
		return nil, err
	}

	f.logger.Debug().
		Str("location", location).
		Str("udn", desc.UDN).
		Str("friendly_name", desc.FriendlyName).
		Int("services", len(desc.Services)).
		Msg("description fetched")
	return desc, nil
}

func (f *Fetcher) fetch(ctx context.Context, location string) (*Descriptor, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, &FetchError{Location: location, Err: err}
	}
	if loc.Scheme == "" || loc.Host == "" {
		return nil, &FetchError{Location: location, Err: ErrNotAbsolute}
	}

	root, err := f.load(ctx, loc)
	if err != nil {
		return nil, &FetchError{Location: location, Err: err}
	}

	desc := FromRoot(root)
	if desc == nil || desc.UDN == "" {
		return nil, &FetchError{Location: location, Err: ErrEmptyDescription}
	}
	return desc, nil
}
