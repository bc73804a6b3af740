package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/always-cache/offline-cache/rfc9211"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AdminPrefix is the path prefix of the host's own routes.
const AdminPrefix = "/.offline-cache"

type HostConfig struct {
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Handler used as the network. Requests go to their URL over HTTP if nil.
	Next http.Handler
}

// Host runs cache versions for the clients it serves.
// It installs and activates registered versions, and dispatches every
// request to the version in control.
type Host struct {
	log        zerolog.Logger
	next       http.Handler
	router     chi.Router
	controller atomic.Pointer[Manager]

	// serializes registrations
	registerMutex sync.Mutex

	retiredMutex sync.Mutex
	retired      []*Manager
}

func NewHost(config HostConfig) *Host {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	h := &Host{
		log:  logger,
		next: config.Next,
	}

	r := chi.NewRouter()
	r.Get(AdminPrefix+"/status", h.status)
	r.Post(AdminPrefix+"/refresh", h.refresh)
	r.HandleFunc("/*", h.intercept)
	h.router = r
	return h
}

// Middleware puts an offline cache in front of next.
// The version is installed and activated before the host is returned.
func Middleware(ctx context.Context, config Config, next http.Handler) (*Host, error) {
	h := NewHost(HostConfig{Logger: config.Logger, Next: next})
	if _, err := h.Register(ctx, config); err != nil {
		return nil, err
	}
	return h, nil
}

// Register installs a cache version and, if the install succeeded,
// activates it and makes it control all clients.
// If the install fails, the current controller keeps serving.
// Registering the version already in control does nothing.
func (h *Host) Register(ctx context.Context, config Config) (*Manager, error) {
	h.registerMutex.Lock()
	defer h.registerMutex.Unlock()

	config.Clients = h
	if config.Fetcher == nil && h.next != nil {
		config.Fetcher = HandlerFetcher{Handler: h.next}
	}
	if config.Logger == nil {
		config.Logger = &h.log
	}
	m, err := NewManager(config)
	if err != nil {
		return nil, err
	}
	if current := h.Controller(); current != nil && current.BucketName() == m.BucketName() {
		h.log.Debug().Str("bucket", m.BucketName()).Msg("Version already in control")
		return current, nil
	}

	if _, err := m.Install(ctx); err != nil {
		return nil, err
	}
	if _, err := m.Activate(ctx); err != nil {
		// the new version controls the clients anyway
		h.log.Warn().Err(err).Str("bucket", m.BucketName()).Msg("Activated with errors")
	}
	return m, nil
}

// Claim makes m the controller of all clients.
func (h *Host) Claim(m *Manager) {
	previous := h.controller.Swap(m)
	h.log.Info().Str("bucket", m.BucketName()).Msg("Claimed clients")
	if previous != nil && previous != m {
		h.retiredMutex.Lock()
		h.retired = append(h.retired, previous)
		h.retiredMutex.Unlock()
	}
}

// Controller returns the version in control, or nil before the first
// successful registration.
func (h *Host) Controller() *Manager {
	return h.controller.Load()
}

// Shutdown waits for the background work of all versions.
func (h *Host) Shutdown(ctx context.Context) error {
	h.retiredMutex.Lock()
	managers := append([]*Manager{}, h.retired...)
	h.retiredMutex.Unlock()
	if m := h.Controller(); m != nil {
		managers = append(managers, m)
	}

	done := make(chan struct{})
	go func() {
		for _, m := range managers {
			m.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Host) intercept(w http.ResponseWriter, r *http.Request) {
	m := h.Controller()
	if m == nil {
		http.Error(w, ErrNoController.Error(), http.StatusServiceUnavailable)
		return
	}
	// the network may be a chi router itself, it must not see our routing
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, nil))
	ev, err := m.NewFetchEvent(r)
	if err != nil {
		m.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not create fetch event")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cs := rfc9211.CacheStatus{Cache: m.BucketName()}
	result, err := m.HandleFetch(r.Context(), ev)
	if err != nil {
		cs.Forward(rfc9211.FwdReasonUriMiss)
		w.Header().Add("Cache-Status", cs.String())
		if !errors.Is(err, context.Canceled) {
			m.log.Warn().Err(err).Str("event", ev.ID).Msg("Request failed")
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if !result.Intercepted {
		reason := rfc9211.FwdReasonBypass
		if ev.Request.Method != http.MethodGet {
			reason = rfc9211.FwdReasonMethod
		}
		cs.Forward(reason)
		w.Header().Add("Cache-Status", cs.String())
		h.passThrough(w, r, ev)
		h.logRequest(m, r, cs)
		return
	}

	switch result.Source {
	case SourceCache:
		cs.Hit()
	case SourceFallback:
		cs.Hit()
		cs.Detail = "offline-fallback"
	default:
		cs.Forward(rfc9211.FwdReasonUriMiss)
		cs.Stored = result.Stored
	}
	h.sendResponse(w, result.Response, cs, m)
	h.logRequest(m, r, cs)
}

// passThrough sends a request that is not intercepted to the network untouched.
func (h *Host) passThrough(w http.ResponseWriter, r *http.Request, ev FetchEvent) {
	if h.next != nil {
		h.next.ServeHTTP(w, r)
		return
	}
	proxy := httputil.ReverseProxy{
		Director: createDirector(ev),
	}
	proxy.ServeHTTP(w, r)
}

func createDirector(ev FetchEvent) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = ev.Request.URL.Scheme
		req.URL.Host = ev.Request.URL.Host
		req.URL.Path = ev.Request.URL.Path
		req.URL.RawPath = ev.Request.URL.RawPath
		req.URL.RawQuery = ev.Request.URL.RawQuery
		req.Host = ev.Request.URL.Host
	}
}

func (h *Host) sendResponse(w http.ResponseWriter, res *http.Response, cs rfc9211.CacheStatus, m *Manager) {
	defer closeBody(res)
	copyHeader(w.Header(), res.Header)
	w.Header().Add("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		m.log.Error().Err(err).Msg("Could not write response body to client")
	}
	m.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (h *Host) logRequest(m *Manager, r *http.Request, cs rfc9211.CacheStatus) {
	m.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Msg("Sending response to client")
}

type Status struct {
	Version  string   `json:"version"`
	Bucket   string   `json:"bucket"`
	Strategy Strategy `json:"strategy"`
	Buckets  []string `json:"buckets"`
	Entries  []string `json:"entries"`
}

func (h *Host) status(w http.ResponseWriter, r *http.Request) {
	m := h.Controller()
	if m == nil {
		http.Error(w, ErrNoController.Error(), http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	st := Status{
		Version:  m.Version(),
		Bucket:   m.BucketName(),
		Strategy: m.Strategy(),
	}
	var err error
	if st.Buckets, err = m.Storage().Keys(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if bucket, err := m.openBucket(ctx); err == nil {
		st.Entries, err = bucket.Keys(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("Could not list entries")
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		m.log.Error().Err(err).Msg("Could not write status")
	}
}

func (h *Host) refresh(w http.ResponseWriter, r *http.Request) {
	m := h.Controller()
	if m == nil {
		http.Error(w, ErrNoController.Error(), http.StatusServiceUnavailable)
		return
	}
	ctx := context.WithoutCancel(r.Context())
	m.goBackground(func() {
		if _, err := m.Refresh(ctx); err != nil {
			m.log.Error().Err(err).Msg("Refresh finished with errors")
		}
	})
	w.WriteHeader(http.StatusAccepted)
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
