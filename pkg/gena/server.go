package gena

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const maxNotifyBody = 1 << 20

// CallbackServer receives NOTIFY requests for every subscription of a
// Client. Additional routes (e.g. metrics) may be mounted on its router.
type CallbackServer struct {
	router *mux.Router
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	subs     map[string]*Subscription
	listener net.Listener
	server   *http.Server
	done     chan struct{}
}

// NewCallbackServer returns a server with the NOTIFY route installed.
func NewCallbackServer(logger zerolog.Logger) *CallbackServer {
	s := &CallbackServer{
		router: mux.NewRouter(),
		logger: logger,
		now:    time.Now,
		subs:   make(map[string]*Subscription),
	}
	s.router.HandleFunc("/notify/{token}", s.handleNotify).Methods("NOTIFY")
	return s
}

// Router returns the router so callers can mount additional handlers.
func (s *CallbackServer) Router() *mux.Router {
	return s.router
}

// Start listens on addr and serves in the background.
func (s *CallbackServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener in the background.
func (s *CallbackServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("callback server already started")
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.done = make(chan struct{})
	srv, done := s.server, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("callback server stopped")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("callback server listening")
	return nil
}

// Port returns the bound TCP port, or 0 before Start.
func (s *CallbackServer) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Stop shuts the server down.
func (s *CallbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	<-done
	return err
}

func (s *CallbackServer) register(token string, sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[token] = sub
}

func (s *CallbackServer) unregister(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, token)
}

func (s *CallbackServer) lookup(token string) *Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subs[token]
}

func (s *CallbackServer) handleNotify(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	sub := s.lookup(token)
	if sub == nil {
		s.logger.Debug().Str("token", token).Msg("notify for unknown subscription")
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	if r.Header.Get("NT") != NTEvent || r.Header.Get("NTS") != NTSPropChange {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sid := r.Header.Get("SID")
	if sid == "" {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	var seq uint32
	if v := r.Header.Get("SEQ"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		seq = uint32(n)
	}

	props, err := ParsePropertySet(http.MaxBytesReader(w, r.Body, maxNotifyBody))
	if err != nil {
		s.logger.Warn().Err(err).Str("sid", sid).Msg("malformed notify body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sub.deliver(Notification{
		SID:        sid,
		Seq:        seq,
		Properties: props,
		Received:   s.now(),
	})
	w.WriteHeader(http.StatusOK)
}
