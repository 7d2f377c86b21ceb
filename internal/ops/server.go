package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"postbox/internal/mailbox"
	rtsup "postbox/internal/runtime/supervisor"
	"postbox/internal/watch"
	logx "postbox/pkg/logx"
)

// ServerConfig controls the operations HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback bind requires a token.
type ServerConfig struct {
	Enabled bool
	Addr    string
	Token   string
	Pprof   bool // mount /debug/pprof on the same listener

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server exposes the façade over HTTP. The serve loop runs under a restart
// supervisor so a crashed listener self-heals without taking the daemon down.
type Server struct {
	log logx.Logger
	svc *Service

	mu     sync.Mutex
	cfg    ServerConfig
	ln     net.Listener
	srv    *http.Server
	sup    *rtsup.Supervisor
	appSup *rtsup.Supervisor // app-wide snapshot for /healthz
}

func NewServer(cfg ServerConfig, svc *Service, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, svc: svc, log: log}
}

func (s *Server) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// SetHealthSupervisor wires the app-wide supervisor into /healthz.
func (s *Server) SetHealthSupervisor(sup *rtsup.Supervisor) {
	s.mu.Lock()
	s.appSup = sup
	s.mu.Unlock()
}

// Start is idempotent; a disabled config is a no-op.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "ops"))),
		// The façade is an outer surface; its failures never kill the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("ops.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, ln, sup := s.srv, s.ln, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("ops server stopped")
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:8315"
	}
	// Never expose unauthenticated operations beyond loopback.
	if cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("ops server refused to start: non-loopback addr requires token",
			logx.String("addr", addr))
		return errors.New("ops server: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:           s.routes(cur),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cur.ReadTimeout,
		WriteTimeout:      cur.WriteTimeout,
		IdleTimeout:       cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	stopped := s.sup == nil
	if !stopped {
		s.ln = ln
		s.srv = srv
	}
	s.mu.Unlock()
	if stopped {
		return context.Canceled
	}

	go func() {
		<-ctx.Done()
		// Bounded; the outer Stop(ctx) does the real graceful shutdown.
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("ops server listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""),
		logx.Bool("pprof", cur.Pprof))

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.sup == nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

func (s *Server) routes(cur ServerConfig) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cur.Token, h) }

	mux.HandleFunc("/v1/send", wrap(s.handleSend))
	mux.HandleFunc("/v1/watch", wrap(s.handleWatch))
	mux.HandleFunc("/v1/watch/", wrap(s.handleWatchStatus))
	mux.HandleFunc("/v1/unwatch", wrap(s.handleUnwatch))
	mux.HandleFunc("/v1/watches", wrap(s.handleWatches))
	mux.HandleFunc("/v1/messages/", wrap(s.handleMessages))
	mux.HandleFunc("/healthz", wrap(s.handleHealth))

	if cur.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

type sendRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Message string `json:"message"`
}

type watchRequest struct {
	Name         string `json:"name"`
	Instructions string `json:"instructions,omitempty"`
	Context      string `json:"context,omitempty"`
}

type unwatchRequest struct {
	// Name narrows the unwatch to one recipient; empty withdraws every
	// watch the calling context holds.
	Name    string `json:"name,omitempty"`
	Context string `json:"context,omitempty"`
}

type confirmationReply struct {
	Result string `json:"result"`
}

type watchReply struct {
	Result string       `json:"result"`
	Status watch.Status `json:"status"`
}

type unwatchReply struct {
	Result     string   `json:"result"`
	Recipients []string `json:"recipients"`
}

type watchesReply struct {
	Watches []watch.Status `json:"watches"`
}

type messagesReply struct {
	Recipient string            `json:"recipient"`
	Messages  []mailbox.Message `json:"messages"`
}

type healthReply struct {
	Status  string          `json:"status"`
	Store   string          `json:"store,omitempty"`
	Mail    mailbox.Stats   `json:"mail"`
	Watches int             `json:"watches"`
	Tasks   *rtsup.Snapshot `json:"tasks,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := s.svc.SendMail(r.Context(), req.To, req.From, req.Message)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmationReply{Result: out})
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req watchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctxID := contextIdentity(r, req.Context)
	out, err := s.svc.WatchUnreadMail(r.Context(), req.Name, req.Instructions, ctxID)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, watchReply{
		Result: out,
		Status: s.svc.watch.Status(req.Name),
	})
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req unwatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctxID := contextIdentity(r, req.Context)

	if name := mailbox.Normalize(req.Name); name != "" {
		if strings.TrimSpace(ctxID) == "" {
			writeOpError(w, invalid("context id is required"))
			return
		}
		_, was := s.svc.watch.Unsubscribe(name, ctxID)
		reply := unwatchReply{Result: fmt.Sprintf("Not watching %q.", name)}
		if was {
			reply.Result = fmt.Sprintf("Stopped watching %q.", name)
			reply.Recipients = []string{name}
		}
		writeJSON(w, http.StatusOK, reply)
		return
	}

	recipients, err := s.svc.StopWatchingMail(r.Context(), ctxID)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unwatchReply{
		Result:     fmt.Sprintf("Stopped watching %d recipient(s).", len(recipients)),
		Recipients: recipients,
	})
}

func (s *Server) handleWatchStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/v1/watch/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusNotFound, "watch not found")
		return
	}
	out, err := s.svc.CheckWatchStatus(r.Context(), name)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, watchReply{
		Result: out,
		Status: s.svc.watch.Status(name),
	})
}

func (s *Server) handleWatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, watchesReply{Watches: s.svc.watch.Snapshot()})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	recipient := strings.TrimPrefix(r.URL.Path, "/v1/messages/")
	if recipient == "" || strings.Contains(recipient, "/") {
		writeError(w, http.StatusNotFound, "recipient not found")
		return
	}
	q := r.URL.Query()
	unreadOnly := q.Get("unread") == "1" || strings.EqualFold(q.Get("unread"), "true")
	limit, _ := strconv.Atoi(q.Get("limit"))

	msgs, err := s.svc.store.MessagesFor(r.Context(), recipient, unreadOnly, limit)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messagesReply{
		Recipient: mailbox.Normalize(recipient),
		Messages:  msgs,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	reply := healthReply{Status: "ok"}
	if err := s.svc.store.CheckHealth(r.Context()); err != nil {
		reply.Status = "degraded"
		reply.Store = err.Error()
	}
	if st, err := s.svc.store.Stats(r.Context()); err == nil {
		reply.Mail = st
	}
	reply.Watches = len(s.svc.watch.Snapshot())

	s.mu.Lock()
	appSup := s.appSup
	s.mu.Unlock()
	if appSup != nil {
		snap := appSup.Snapshot()
		reply.Tasks = &snap
	}

	code := http.StatusOK
	if reply.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, reply)
}

// contextIdentity resolves the caller's context ID: explicit body field
// first, X-Postbox-Context header as fallback.
func contextIdentity(r *http.Request, bodyValue string) string {
	if v := strings.TrimSpace(bodyValue); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get("X-Postbox-Context"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// writeOpError maps façade errors onto HTTP statuses: caller mistakes are
// 400, a store outage is 503, the rest 500.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, mailbox.ErrMediumUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// withAuth accepts either "Authorization: Bearer <token>" or ?token=<token>.
// An empty configured token disables the check.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host binds all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
