// Package supervisor is the tripobserve orchestrator: it starts and
// supervises the KernelSource, ProxySource, NetProxySource, and
// CollectorServer components, exposes a health/debug HTTP surface, and
// optionally a control-plane gRPC service. Modeled directly on the teacher's
// internal/agent.Agent (functional-option construction, Start/Stop lifecycle,
// context-cancellation shutdown, wg-drained goroutines).
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/tripwire/observer/internal/audit"
	"github.com/tripwire/observer/internal/collector"
	"github.com/tripwire/observer/internal/config"
	"github.com/tripwire/observer/internal/procgraph"
	"github.com/tripwire/observer/internal/registry"
)

// KernelSource is the subset of kernelsource.Source the supervisor runs.
type KernelSource interface {
	Run(ctx context.Context) error
}

// ProxySource is the subset of proxysource.Source the supervisor runs.
type ProxySource interface {
	Start(ctx context.Context) error
	Stop()
}

// NetProxySource is the subset of netproxysource.Source the supervisor runs,
// one instance per accepted addon connection.
type NetProxySource interface {
	Run(ctx context.Context, r io.Reader) error
}

// EventStore is the subset of store.Store the supervisor needs for lifecycle
// and instance-identity bookkeeping.
type EventStore interface {
	Close() error
	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (value string, ok bool)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGraph wires the ProcessGraph for /healthz reporting and GetProcessTree.
func WithGraph(g *procgraph.Graph) Option {
	return func(s *Supervisor) { s.graph = g }
}

// WithRegistry wires the McpRegistry for /debug/tags, ReloadRegistry, and
// (if enabled) automatic fsnotify-driven reload.
func WithRegistry(r *registry.Registry) Option {
	return func(s *Supervisor) { s.registry = r }
}

// WithRegistryWatch enables WatchAndReload on the wired Registry.
func WithRegistryWatch() Option {
	return func(s *Supervisor) { s.registryWatch = true }
}

// WithKernelSource registers the KernelSource component.
func WithKernelSource(k KernelSource) Option {
	return func(s *Supervisor) { s.kernel = k }
}

// WithProxySource registers the ProxySource component.
func WithProxySource(p ProxySource) Option {
	return func(s *Supervisor) { s.proxy = p }
}

// WithNetProxySource registers the NetProxySource component and the TCP
// address it listens on for addon connections.
func WithNetProxySource(addr string, n NetProxySource) Option {
	return func(s *Supervisor) {
		s.netProxyAddr = addr
		s.netProxySrc = n
	}
}

// WithCollector registers the CollectorServer component.
func WithCollector(c *collector.Server) Option {
	return func(s *Supervisor) { s.collector = c }
}

// WithStore registers the EventStore, used for Close() on shutdown and for
// persisting the observer_instance_id across restarts.
func WithStore(st EventStore) Option {
	return func(s *Supervisor) { s.store = st }
}

// WithMetrics mounts m's Prometheus-text handler at /metrics on the health
// server. m should be the same *collector.Metrics passed to collector.New
// via collector.WithMetrics.
func WithMetrics(m *collector.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithControlAddr enables the control-plane gRPC service listening on addr.
func WithControlAddr(addr string) Option {
	return func(s *Supervisor) { s.controlAddr = addr }
}

// WithJWTKey requires a valid HMAC-signed bearer token on /debug/tags.
func WithJWTKey(key []byte) Option {
	return func(s *Supervisor) { s.jwtKey = key }
}

// WithAuditLog hash-chains every control-plane administrative action to the
// file at path. If the file cannot be opened, Start logs a warning and the
// control server simply runs unaudited.
func WithAuditLog(path string) Option {
	return func(s *Supervisor) { s.auditLogPath = path }
}

// Supervisor is the central orchestrator of the Observation Core.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	graph         *procgraph.Graph
	registry      *registry.Registry
	registryWatch bool

	kernel       KernelSource
	proxy        ProxySource
	netProxyAddr string
	netProxySrc  NetProxySource
	collector    *collector.Server
	store        EventStore
	metrics      *collector.Metrics

	controlAddr  string
	jwtKey       []byte
	auditLogPath string
	auditLog     *audit.Logger

	startTime  time.Time
	instanceID string
	cancel     context.CancelFunc

	mu           sync.RWMutex
	running      bool
	wg           sync.WaitGroup
	healthSrv    *http.Server
	controlSrv   *grpc.Server
	netProxyLn   net.Listener
	registryStop func()
}

// New creates a Supervisor from cfg and logger; components are wired via
// Option. A Supervisor with zero components is valid and simply runs the
// health server, useful in tests.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start initializes and launches all registered components. It returns a
// non-nil error if a component fails to bind; otherwise it returns once every
// component's goroutine has been launched (it does not block for the
// components' lifetime — call Stop, or cancel ctx, to shut down).
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already running")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.loadInstanceID(ctx)

	s.logger.Info("starting tripobserve supervisor",
		slog.String("collector_addr", s.cfg.CollectorAddr),
		slog.String("health_addr", s.cfg.HealthAddr),
		slog.String("instance_id", s.instanceID),
	)

	if s.collector != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.collector.Start(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("supervisor: collector stopped", slog.Any("error", err))
			}
		}()
	}

	if s.kernel != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.kernel.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("supervisor: kernel source stopped", slog.Any("error", err))
			}
		}()
	}

	if s.proxy != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.proxy.Start(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("supervisor: proxy source exited", slog.Any("error", err))
			}
		}()
	}

	if s.netProxySrc != nil && s.netProxyAddr != "" {
		ln, err := net.Listen("tcp", s.netProxyAddr)
		if err != nil {
			cancel()
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return fmt.Errorf("supervisor: net proxy listen %q: %w", s.netProxyAddr, err)
		}
		s.netProxyLn = ln
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runNetProxyAccept(ctx, ln)
		}()
	}

	if s.registryWatch && s.registry != nil {
		stop, err := s.registry.WatchAndReload(func(err error) {
			s.logger.Warn("supervisor: registry reload failed", slog.Any("error", err))
		})
		if err != nil {
			s.logger.Warn("supervisor: registry watch failed to start", slog.Any("error", err))
		} else {
			s.registryStop = stop
		}
	}

	s.startHealthServer()

	if s.controlAddr != "" {
		if err := s.startControlServer(); err != nil {
			cancel()
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return err
		}
	}

	s.logger.Info("tripobserve supervisor started")
	return nil
}

// Stop signals every component to shut down and waits for all supervisor
// goroutines to exit. Safe to call multiple times.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.proxy != nil {
		s.proxy.Stop()
	}
	if s.collector != nil {
		if err := s.collector.Stop(); err != nil {
			s.logger.Warn("supervisor: error stopping collector", slog.Any("error", err))
		}
	}
	if s.netProxyLn != nil {
		s.netProxyLn.Close()
	}
	if s.registryStop != nil {
		s.registryStop()
	}
	if s.healthSrv != nil {
		if err := s.healthSrv.Shutdown(context.Background()); err != nil {
			s.logger.Warn("supervisor: error shutting down health server", slog.Any("error", err))
		}
	}
	if s.controlSrv != nil {
		s.controlSrv.GracefulStop()
	}
	if s.auditLog != nil {
		if err := s.auditLog.Close(); err != nil {
			s.logger.Warn("supervisor: error closing audit log", slog.Any("error", err))
		}
	}

	s.wg.Wait()

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("supervisor: error closing store", slog.Any("error", err))
		}
	}

	s.logger.Info("tripobserve supervisor stopped")
}

func (s *Supervisor) loadInstanceID(ctx context.Context) {
	if s.store == nil {
		s.instanceID = uuid.NewString()
		return
	}
	if id, ok := s.store.GetMeta(ctx, "observer_instance_id"); ok && id != "" {
		s.instanceID = id
		return
	}
	id := uuid.NewString()
	if err := s.store.SetMeta(ctx, "observer_instance_id", id); err != nil {
		s.logger.Warn("supervisor: failed to persist observer_instance_id", slog.Any("error", err))
	}
	s.instanceID = id
}

func (s *Supervisor) runNetProxyAccept(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("supervisor: net proxy accept failed", slog.Any("error", err))
			continue
		}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer c.Close()
			if err := s.netProxySrc.Run(ctx, c); err != nil && ctx.Err() == nil {
				s.logger.Warn("supervisor: net proxy connection ended", slog.Any("error", err))
			}
		}(conn)
	}
}

func (s *Supervisor) startHealthServer() {
	r := chi.NewRouter()
	r.Get("/healthz", s.healthzHandler)
	r.Get("/debug/tags", s.debugTagsHandler)
	if s.metrics != nil {
		r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	}

	s.healthSrv = &http.Server{Addr: s.cfg.HealthAddr, Handler: r}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("supervisor: health server stopped", slog.Any("error", err))
		}
	}()
}

func (s *Supervisor) startControlServer() error {
	ln, err := net.Listen("tcp", s.controlAddr)
	if err != nil {
		return fmt.Errorf("supervisor: control listen %q: %w", s.controlAddr, err)
	}

	var auditLog auditAppender
	if s.auditLogPath != "" {
		log, err := audit.Open(s.auditLogPath)
		if err != nil {
			s.logger.Warn("supervisor: audit log open failed; control actions will be unaudited",
				slog.String("path", s.auditLogPath), slog.Any("error", err))
		} else {
			s.auditLog = log
			auditLog = log
		}
	}

	gs := grpc.NewServer()
	gs.RegisterService(&controlServiceDesc, newControlServer(s.graph, s.registry, auditLog, s.logger))
	s.controlSrv = gs

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := gs.Serve(ln); err != nil {
			s.logger.Warn("supervisor: control server stopped", slog.Any("error", err))
		}
	}()
	return nil
}

// HealthStatus is the payload returned by /healthz.
type HealthStatus struct {
	Status           string `json:"status"`
	UptimeS          float64 `json:"uptime_s"`
	InstanceID       string `json:"instance_id"`
	TrackedProcesses int    `json:"tracked_processes"`
	RootPID          int    `json:"root_pid,omitempty"`
}

// Health returns a snapshot of current supervisor health.
func (s *Supervisor) Health() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := HealthStatus{
		Status:     "ok",
		UptimeS:    time.Since(s.startTime).Seconds(),
		InstanceID: s.instanceID,
	}
	if s.graph != nil {
		h.TrackedProcesses = len(s.graph.Snapshot())
		h.RootPID = s.graph.RootPID()
	}
	return h
}

func (s *Supervisor) healthzHandler(w http.ResponseWriter, r *http.Request) {
	h := s.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}

func (s *Supervisor) debugTagsHandler(w http.ResponseWriter, r *http.Request) {
	if len(s.jwtKey) > 0 && !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var tags map[int]string
	if s.registry != nil {
		tags = s.registry.Tags()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(tags); err != nil {
		s.logger.Warn("debug/tags: failed to encode response", slog.Any("error", err))
	}
}

func (s *Supervisor) authorized(r *http.Request) bool {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	tokenStr := strings.TrimPrefix(authz, prefix)

	_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtKey, nil
	})
	return err == nil
}
