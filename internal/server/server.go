// SPDX-License-Identifier: MIT

// Package server wires the daemon together: storage, session registry,
// message router, fleet, scheduler, dispatch, discovery and the websocket
// transport, plus the lifecycle runners and shutdown hooks.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signagekit/signaged/internal/config"
	"github.com/signagekit/signaged/internal/daemon"
	"github.com/signagekit/signaged/internal/discovery"
	"github.com/signagekit/signaged/internal/dispatch"
	"github.com/signagekit/signaged/internal/fleet"
	"github.com/signagekit/signaged/internal/health"
	"github.com/signagekit/signaged/internal/log"
	"github.com/signagekit/signaged/internal/router"
	"github.com/signagekit/signaged/internal/scheduler"
	"github.com/signagekit/signaged/internal/session"
	"github.com/signagekit/signaged/internal/store/sqlite"
	"github.com/signagekit/signaged/internal/telemetry"
	signagetls "github.com/signagekit/signaged/internal/tls"
	"github.com/signagekit/signaged/internal/transport"
)

// faultsPerMinute is the per-connection budget for malformed frames before
// the session is closed for protocol abuse.
const faultsPerMinute = 5

// Server is the fully wired daemon.
type Server struct {
	cfg     config.Config
	version string

	store      *sqlite.Store
	registry   *session.Registry
	router     *router.Router
	fleet      *fleet.Service
	scheduler  *scheduler.Scheduler
	dispatcher *dispatch.Dispatcher
	transport  *transport.Server
	reloader   *signagetls.Reloader
	health     *health.Manager
	telemetry  *telemetry.Provider
}

// New builds the daemon from configuration. The returned server holds open
// resources (database, tracer); call Run to serve, which releases them on
// shutdown.
func New(ctx context.Context, cfg config.Config, version string) (*Server, error) {
	st, err := sqlite.Open(cfg.ConnectionString, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	certPath, keyPath, err := signagetls.EnsureCertificates(signagetls.Config{
		CertPath:           cfg.CertificatePath,
		KeyPath:            cfg.CertificateKeyPath,
		PreferredInterface: cfg.PreferredNetworkInterface,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	reloader, err := signagetls.NewReloader(certPath, keyPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "signaged",
		ServiceVersion: version,
		ExporterType:   cfg.TracingExporter,
		Endpoint:       cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampling,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	registry := session.NewRegistry()
	rt := router.New(faultsPerMinute)

	// The fleet service resolves active layouts through the scheduler, and
	// the scheduler announces assignment changes through the fleet service.
	// Construct the scheduler first and close the loop with SetNotifier.
	sched := scheduler.New(st, registry, cfg.SchedulerTickInterval)
	fleetSvc := fleet.NewService(st, registry, sched, cfg.ClientHeartbeatTimeout, cfg.LivenessCheckInterval)
	sched.SetNotifier(fleetSvc)
	dispatcher := dispatch.New(registry, cfg.ScreenshotTimeout)

	fleetSvc.Register(rt)
	sched.Register(rt)
	dispatcher.Register(rt)

	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewDatabaseChecker(st.DB()))
	hm.RegisterChecker(health.NewCertificateChecker(leafFunc(reloader)))
	hm.RegisterChecker(health.NewSessionChecker(func() (int, int) {
		return registry.Count(session.KindClient), registry.Count(session.KindOperator)
	}))

	onDetach := func(sess *session.Session) {
		if sess.Kind() != session.KindClient {
			return
		}
		// A replaced session detaches while its successor is already bound;
		// clearing scheduler state then would erase the fresh session's
		// push record.
		if registry.LookupClient(sess.PrincipalID()) != nil {
			return
		}
		sched.Forget(sess.PrincipalID())
		fleetSvc.BroadcastClientList(context.Background())
	}

	ts := transport.New(transport.Config{
		Ports:          cfg.ListenPorts(),
		AutoSelectPort: cfg.AutoSelectPort,
		EndpointPath:   cfg.EndpointPath,
		MaxMessageSize: cfg.MaxMessageSize,
		TLS: &tls.Config{
			GetCertificate: reloader.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		},
		Healthz: http.HandlerFunc(hm.ServeHealth),
		Readyz:  http.HandlerFunc(hm.ServeReady),
	}, registry, rt, onDetach)

	return &Server{
		cfg:        cfg,
		version:    version,
		store:      st,
		registry:   registry,
		router:     rt,
		fleet:      fleetSvc,
		scheduler:  sched,
		dispatcher: dispatcher,
		transport:  ts,
		reloader:   reloader,
		health:     hm,
		telemetry:  provider,
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	var metricsHandler http.Handler
	metricsAddr := ""
	if s.cfg.MetricsEnabled {
		metricsAddr = s.cfg.MetricsAddr
		metricsHandler = promhttp.Handler()
	}

	m := daemon.NewManager(daemon.Config{
		ShutdownTimeout: 30 * time.Second,
		MetricsAddr:     metricsAddr,
		MetricsHandler:  metricsHandler,
	})

	m.AddRunner("transport", s.transport.Run)
	m.AddRunner("fleet-liveness", s.fleet.Run)
	m.AddRunner("scheduler", s.scheduler.Run)
	m.AddRunner("dispatch-janitor", s.dispatcher.Run)
	m.AddRunner("tls-reloader", s.reloader.Watch)
	m.AddRunner("discovery", s.runDiscovery)

	// Hooks run LIFO: sessions drain first, then telemetry flushes, the
	// database closes last.
	m.RegisterShutdownHook("database", func(context.Context) error {
		return s.store.Close()
	})
	m.RegisterShutdownHook("telemetry", s.telemetry.Shutdown)
	m.RegisterShutdownHook("sessions", func(context.Context) error {
		s.closeSessions("server_shutdown")
		return nil
	})

	logger := log.WithComponent("server")
	logger.Info().
		Str("version", s.version).
		Str("db", s.cfg.ConnectionString).
		Str(log.FieldEvent, "server.starting").
		Msg("starting signaged")

	return m.Start(ctx)
}

// Port returns the bound control channel port, or 0 before the listener is
// up.
func (s *Server) Port() int {
	return s.transport.Port()
}

// runDiscovery starts LAN discovery once the control channel port is known.
// With autoSelectPort the effective port may differ from the configured one,
// so the announcement waits for the listener to bind.
func (s *Server) runDiscovery(ctx context.Context) error {
	port, err := s.awaitPort(ctx)
	if err != nil {
		return err
	}

	svc := discovery.New(discovery.Config{
		Port:               s.cfg.DiscoveryPort,
		ServerName:         s.cfg.ServerName,
		WebSocketPort:      port,
		SSL:                true,
		Version:            s.version,
		PreferredInterface: s.cfg.PreferredNetworkInterface,
		StaleThreshold:     s.cfg.StaleHostThreshold,
	}, s.registry)
	return svc.Run(ctx)
}

func (s *Server) awaitPort(ctx context.Context) (int, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if port := s.transport.Port(); port != 0 {
			return port, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// closeSessions closes every connected session with the given reason. The
// write pumps deliver it as the close frame text before the connections drop.
func (s *Server) closeSessions(reason string) {
	n := 0
	for _, kind := range []session.Kind{session.KindClient, session.KindOperator, session.KindUnbound} {
		for _, sess := range s.registry.Sessions(kind) {
			sess.Close(reason)
			n++
		}
	}
	if n > 0 {
		logger := log.WithComponent("server")
		logger.Info().
			Int("sessions", n).
			Str(log.FieldEvent, "server.sessions_closed").
			Msg("closed connected sessions")
	}
}

// leafFunc adapts the reloader's current pair for the certificate health
// check.
func leafFunc(r *signagetls.Reloader) func() *x509.Certificate {
	return func() *x509.Certificate {
		pair := r.Leaf()
		if pair == nil || len(pair.Certificate) == 0 {
			return nil
		}
		if pair.Leaf != nil {
			return pair.Leaf
		}
		cert, err := x509.ParseCertificate(pair.Certificate[0])
		if err != nil {
			return nil
		}
		return cert
	}
}
