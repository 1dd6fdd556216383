package discovery

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/koron/go-ssdp"
	"github.com/rs/zerolog"
)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// SearchTarget is the M-SEARCH ST value. Default: ssdp:all.
	SearchTarget string

	// SearchWait is the MX value in seconds.
	SearchWait int

	// SearchInterval repeats M-SEARCH. Zero searches only at start.
	SearchInterval time.Duration

	// LocalAddr binds M-SEARCH to one local address. Empty uses any.
	LocalAddr string
}

// SearchFunc performs one M-SEARCH.
type SearchFunc func(searchType string, waitSec int, localAddr string) ([]ssdp.Service, error)

// PanicHandler receives a panic recovered on a monitor goroutine.
type PanicHandler func(name string, value any, stack []byte)

// Monitor watches SSDP traffic and emits classified events.
type Monitor struct {
	config     MonitorConfig
	classifier *Classifier
	clock      clock.Clock
	logger     zerolog.Logger
	search     SearchFunc
	onPanic    PanicHandler

	mu       sync.Mutex
	handlers []func(Event)
	ssdpMon  *ssdp.Monitor
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithClock replaces the clock driving search and expiry timers.
func WithClock(clk clock.Clock) MonitorOption {
	return func(m *Monitor) { m.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = logger }
}

// WithSearchFunc replaces ssdp.Search.
func WithSearchFunc(fn SearchFunc) MonitorOption {
	return func(m *Monitor) { m.search = fn }
}

// WithPanicHandler reports panics in the SSDP handlers and the search and
// expiry loops to fn instead of crashing the process.
func WithPanicHandler(fn PanicHandler) MonitorOption {
	return func(m *Monitor) { m.onPanic = fn }
}

// NewMonitor returns a Monitor.
func NewMonitor(config MonitorConfig, opts ...MonitorOption) *Monitor {
	if config.SearchTarget == "" {
		config.SearchTarget = ssdp.All
	}
	if config.SearchWait <= 0 {
		config.SearchWait = DefaultSearchWait
	}
	m := &Monitor{
		config:     config,
		classifier: NewClassifier(),
		clock:      clock.New(),
		logger:     zerolog.Nop(),
		search:     ssdp.Search,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnEvent registers a handler for classified events. Handlers run on the
// SSDP receive goroutine and must not block.
func (m *Monitor) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Classifier returns the classifier, shared with callers that need to
// forget a device.
func (m *Monitor) Classifier() *Classifier {
	return m.classifier
}

// Start joins the SSDP multicast group, runs an initial search and starts
// the periodic search and expiry loops.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.ssdpMon != nil {
		m.mu.Unlock()
		return ErrMonitorStarted
	}
	mon := &ssdp.Monitor{
		Alive: m.handleAlive,
		Bye:   m.handleBye,
	}
	if err := mon.Start(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.ssdpMon = mon
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.logger.Info().Str("search_target", m.config.SearchTarget).Msg("ssdp monitor started")

	m.wg.Add(2)
	go m.searchLoop(ctx)
	go m.expiryLoop(ctx)
	return nil
}

// Stop leaves the multicast group and stops the loops.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	mon, cancel := m.ssdpMon, m.cancel
	m.ssdpMon = nil
	m.cancel = nil
	m.mu.Unlock()

	if mon == nil {
		return nil
	}
	cancel()
	err := mon.Close()
	m.wg.Wait()
	return err
}

// Search sends one M-SEARCH and classifies the responses.
func (m *Monitor) Search() error {
	services, err := m.search(m.config.SearchTarget, m.config.SearchWait, m.config.LocalAddr)
	if err != nil {
		return err
	}
	for _, s := range services {
		m.alive(s.USN, s.Location, s.Server, s.MaxAge())
	}
	m.logger.Debug().Int("responses", len(services)).Msg("ssdp search done")
	return nil
}

func (m *Monitor) searchLoop(ctx context.Context) {
	defer m.wg.Done()
	defer m.recoverPanic("ssdp search loop")

	if err := m.Search(); err != nil {
		m.logger.Warn().Err(err).Msg("ssdp search failed")
	}
	if m.config.SearchInterval <= 0 {
		return
	}

	ticker := m.clock.Ticker(m.config.SearchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Search(); err != nil {
				m.logger.Warn().Err(err).Msg("ssdp search failed")
			}
		}
	}
}

func (m *Monitor) expiryLoop(ctx context.Context) {
	defer m.wg.Done()
	defer m.recoverPanic("ssdp expiry loop")

	ticker := m.clock.Ticker(ExpirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range m.classifier.Expire(m.clock.Now()) {
				m.logger.Info().Str("usn", ev.USN).Msg("device expired without byebye")
				m.emit(ev)
			}
		}
	}
}

func (m *Monitor) handleAlive(msg *ssdp.AliveMessage) {
	defer m.recoverPanic("ssdp alive handler")
	m.alive(msg.USN, msg.Location, msg.Server, msg.MaxAge())
}

func (m *Monitor) handleBye(msg *ssdp.ByeMessage) {
	defer m.recoverPanic("ssdp byebye handler")
	if ev, ok := m.classifier.Bye(msg.USN); ok {
		m.emit(ev)
	}
}

// alive classifies a sighting valid for maxAge seconds. A missing max-age
// (negative or zero) falls back to DefaultMaxAge.
func (m *Monitor) alive(usn, location, server string, maxAge int) {
	if ev, ok := m.classifier.Alive(usn, location, server, time.Duration(maxAge)*time.Second, m.clock.Now()); ok {
		m.emit(ev)
	}
}

func (m *Monitor) emit(ev Event) {
	m.mu.Lock()
	handlers := make([]func(Event), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// recoverPanic must be deferred directly. Without a handler the panic
// propagates.
func (m *Monitor) recoverPanic(name string) {
	r := recover()
	if r == nil {
		return
	}
	if m.onPanic == nil {
		panic(r)
	}
	m.onPanic(name, r, debug.Stack())
}
