// SPDX-License-Identifier: MIT

// Package discovery makes the server findable on the LAN and maps the local
// subnet for candidate display devices.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/signagekit/signaged/internal/log"
	"github.com/signagekit/signaged/internal/metrics"
	"github.com/signagekit/signaged/internal/model"
	"github.com/signagekit/signaged/internal/netutil"
	"github.com/signagekit/signaged/internal/session"
)

// ProbeRequest is the magic payload clients broadcast to find the server.
const ProbeRequest = "DIGITALSIGNAGE_DISCOVER_CLIENT"

// mdnsService is the advertised service type.
const mdnsService = "_digitalsignage._tcp"

const (
	probeTimeout   = 500 * time.Millisecond
	scanConcurrent = 50
	janitorPeriod  = time.Minute

	// txtRefreshPeriod is how often the mDNS TXT record is re-published so
	// the advertised client count stays current.
	txtRefreshPeriod = 30 * time.Second
)

// deepScanPorts are probed during a deep scan; an open port marks the host a
// likely display device.
var deepScanPorts = []int{22, 80, 443, 8080}

// Announce is the JSON reply to a discovery probe.
type Announce struct {
	ServerName string   `json:"ServerName"`
	Port       int      `json:"Port"`
	Ssl        bool     `json:"Ssl"`
	LocalIps   []string `json:"LocalIps"`
}

// Config holds the discovery settings.
type Config struct {
	// Port is the UDP port the probe responder listens on.
	Port int
	// ServerName is the advertised instance name.
	ServerName string
	// WebSocketPort is the control channel port clients should connect to.
	WebSocketPort int
	// SSL reports whether the control channel uses TLS.
	SSL bool
	// Version is the server version advertised in the TXT record.
	Version string
	// PreferredInterface biases address selection, optional.
	PreferredInterface string
	// StaleThreshold evicts scan findings not seen for this long.
	StaleThreshold time.Duration
}

// Service advertises the server over mDNS, answers UDP discovery probes and
// keeps an ephemeral cache of LAN scan findings.
type Service struct {
	cfg      Config
	registry *session.Registry
	now      func() time.Time

	ports []int // deep scan ports, overridable in tests

	udpAddr atomic.Value // string, set once the responder listens

	mu    sync.Mutex
	hosts map[string]*model.DiscoveredHost
}

// Option tweaks a Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates the discovery service. The registry feeds the connected-client
// count into the mDNS TXT record and may be nil.
func New(cfg Config, reg *session.Registry, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		registry: reg,
		now:      time.Now,
		ports:    deepScanPorts,
		hosts:    make(map[string]*model.DiscoveredHost),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves discovery until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runResponder(ctx) })
	g.Go(func() error { return s.runMDNS(ctx) })
	g.Go(func() error { return s.runJanitor(ctx) })
	return g.Wait()
}

// runResponder answers UDP discovery probes with the server's coordinates.
func (s *Service) runResponder(ctx context.Context) error {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("discovery: listen udp %d: %w", s.cfg.Port, err)
	}
	s.udpAddr.Store(conn.LocalAddr().String())
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	logger := log.WithComponent("discovery")
	logger.Info().
		Str("addr", conn.LocalAddr().String()).
		Str(log.FieldEvent, "discovery.responder_started").
		Msg("discovery responder listening")

	buf := make([]byte, 512)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("discovery: read probe: %w", err)
		}
		if string(buf[:n]) != ProbeRequest {
			continue
		}

		reply, err := json.Marshal(s.announce())
		if err != nil {
			continue
		}
		if _, err := conn.WriteTo(reply, addr); err != nil {
			logger.Debug().
				Err(err).
				Str(log.FieldRemoteAddr, addr.String()).
				Str(log.FieldEvent, "discovery.reply_failed").
				Msg("probe reply failed")
			continue
		}
		logger.Debug().
			Str(log.FieldRemoteAddr, addr.String()).
			Str(log.FieldEvent, "discovery.probe_answered").
			Msg("probe answered")
	}
}

func (s *Service) announce() Announce {
	ips, err := netutil.LocalIPv4Addresses(s.cfg.PreferredInterface)
	if err != nil {
		ips = nil
	}
	ann := Announce{
		ServerName: s.cfg.ServerName,
		Port:       s.cfg.WebSocketPort,
		Ssl:        s.cfg.SSL,
		LocalIps:   make([]string, 0, len(ips)),
	}
	for _, ip := range ips {
		ann.LocalIps = append(ann.LocalIps, ip.String())
	}
	return ann
}

// txtRecords builds the advertised TXT record from the current state.
func (s *Service) txtRecords() []string {
	version := s.cfg.Version
	if version == "" {
		version = "dev"
	}
	txt := []string{
		"version=" + version,
		"ssl=" + strconv.FormatBool(s.cfg.SSL),
	}
	if s.registry != nil {
		txt = append(txt, "clients="+strconv.Itoa(s.registry.Count(session.KindClient)))
	}
	return txt
}

// runMDNS advertises the server instance until ctx is cancelled, refreshing
// the TXT record so the client count does not go stale.
func (s *Service) runMDNS(ctx context.Context) error {
	logger := log.WithComponent("discovery")
	server, err := zeroconf.Register(s.cfg.ServerName, mdnsService, "local.", s.cfg.WebSocketPort, s.txtRecords(), nil)
	if err != nil {
		// Advertisement is best effort. The UDP responder still answers
		// probes, so discovery degrades rather than failing the daemon.
		logger.Warn().
			Err(err).
			Str(log.FieldEvent, "discovery.mdns_unavailable").
			Msg("mdns advertisement unavailable")
		<-ctx.Done()
		return ctx.Err()
	}
	defer server.Shutdown()

	logger.Info().
		Str("service", mdnsService).
		Str("instance", s.cfg.ServerName).
		Str(log.FieldEvent, "discovery.mdns_started").
		Msg("mdns advertisement started")

	ticker := time.NewTicker(txtRefreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			server.SetText(s.txtRecords())
		}
	}
}

func (s *Service) runJanitor(ctx context.Context) error {
	ticker := time.NewTicker(janitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.PruneStale()
		}
	}
}

// Scan sweeps the local /24 for responsive hosts. A deep scan additionally
// probes well-known TCP ports to spot likely display devices. At most 50
// hosts are probed concurrently.
func (s *Service) Scan(ctx context.Context, deep bool) ([]model.DiscoveredHost, error) {
	local := netutil.PrimaryIPv4(s.cfg.PreferredInterface)
	if local == nil {
		return nil, fmt.Errorf("discovery: no usable local address")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrent)
	for _, host := range netutil.SubnetHosts(local) {
		if host.Equal(local) {
			continue
		}
		ip := host
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pingOnce(ip, probeTimeout) {
				s.record(ip.String(), model.DiscoveredByPing, false)
			}
			if deep && s.tcpProbe(ip) {
				s.record(ip.String(), model.DiscoveredByTCPProbe, true)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	hosts := s.Hosts()
	logger := log.WithComponent("discovery")
	logger.Info().
		Int("hosts", len(hosts)).
		Bool("deep", deep).
		Str(log.FieldEvent, "discovery.scan_done").
		Msg("subnet scan finished")
	return hosts, nil
}

// pingOnce sends a single unprivileged ICMP echo and waits for any reply.
func pingOnce(ip net.IP, timeout time.Duration) bool {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return false
	}
	defer conn.Close()

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: 1, Seq: 1, Data: []byte("signaged")},
	}
	data, err := msg.Marshal(nil)
	if err != nil {
		return false
	}
	if _, err := conn.WriteTo(data, &net.UDPAddr{IP: ip}); err != nil {
		return false
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1500)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return false
	}
	parsed, err := icmp.ParseMessage(1, buf[:n])
	if err != nil {
		return false
	}
	return parsed.Type == ipv4.ICMPTypeEchoReply
}

// tcpProbe reports whether any well-known port on the host accepts a
// connection.
func (s *Service) tcpProbe(ip net.IP) bool {
	for _, port := range s.ports {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip.String(), strconv.Itoa(port)), probeTimeout)
		if err == nil {
			_ = conn.Close()
			return true
		}
	}
	return false
}

// record merges a scan finding into the host cache.
func (s *Service) record(ip string, method model.DiscoveryMethod, candidate bool) {
	now := s.now()
	s.mu.Lock()
	h, ok := s.hosts[ip]
	if !ok {
		h = &model.DiscoveredHost{
			IPAddress:   ip,
			FirstSeenAt: now,
		}
		s.hosts[ip] = h
	}
	h.LastSeenAt = now
	h.DiscoveryMethod = method
	if candidate {
		h.IsLikelyCandidate = true
	}
	total := len(s.hosts)
	s.mu.Unlock()
	metrics.DiscoveredHosts.Set(float64(total))
}

// ResponderAddr returns the responder's bound UDP address, or "" before the
// listener is up. Useful when the configured port is 0.
func (s *Service) ResponderAddr() string {
	if v, ok := s.udpAddr.Load().(string); ok {
		return v
	}
	return ""
}

// Hosts returns a snapshot of the discovery cache.
func (s *Service) Hosts() []model.DiscoveredHost {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DiscoveredHost, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, *h)
	}
	return out
}

// PruneStale evicts hosts not seen within the stale threshold.
func (s *Service) PruneStale() {
	deadline := s.now().Add(-s.cfg.StaleThreshold)
	s.mu.Lock()
	for ip, h := range s.hosts {
		if h.LastSeenAt.Before(deadline) {
			delete(s.hosts, ip)
		}
	}
	total := len(s.hosts)
	s.mu.Unlock()
	metrics.DiscoveredHosts.Set(float64(total))
}
