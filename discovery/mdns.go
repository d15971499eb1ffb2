// Package discovery finds carrier nodes on the local network with mDNS.
//
// A node announces "_carrier._udp" with its node ID in a TXT record and
// periodically browses for other announcements. Every node found is
// reported on Events so the node can add it to its routing table.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_carrier._udp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls announcement and browsing.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	NodeID string
	Port   int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return errors.New("node ID is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// Peer is a node seen on the local network.
type Peer struct {
	NodeID    string
	Version   int
	Addresses []*net.UDPAddr
}

// Service announces the local node and browses for others.
type Service struct {
	cfg    Config
	server *zeroconf.Server
	browse browseFunc

	events chan Peer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Start registers the announcement and begins browsing in the background.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	txt := []string{
		"id=" + cfg.NodeID,
		"version=" + strconv.Itoa(cfg.Version),
	}
	server, err := cfg.registerFn(instanceName(cfg.NodeID), cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	s := &Service{
		cfg:    cfg,
		server: server,
		browse: browse,
		events: make(chan Peer, 64),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.loop()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"service":  cfg.Service,
		"port":     cfg.Port,
	}).Info("Local discovery started")
	return s, nil
}

// instanceName keeps the mDNS instance label short; node IDs are up to 45 chars.
func instanceName(nodeID string) string {
	if len(nodeID) > 16 {
		return "carrier-" + nodeID[:16]
	}
	return "carrier-" + nodeID
}

// Events delivers peers as they are found. The channel is closed by Close.
func (s *Service) Events() <-chan Peer {
	return s.events
}

// Close stops browsing and withdraws the announcement.
func (s *Service) Close() error {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
		if s.server != nil {
			s.server.Shutdown()
		}
	})
	return nil
}

func (s *Service) loop() {
	defer s.wg.Done()

	s.scan()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scan()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) scan() {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.NodeID)
				if !ok {
					continue
				}
				select {
				case s.events <- peer:
				default:
				}
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "scan",
			"error":    err.Error(),
		}).Warn("mDNS browse failed")
		cancel()
	}

	<-scanCtx.Done()
	<-collectorDone
}

func parseEntry(entry *zeroconf.ServiceEntry, selfNodeID string) (Peer, bool) {
	txt := txtToMap(entry.Text)

	nodeID := strings.TrimSpace(txt["id"])
	if nodeID == "" || nodeID == selfNodeID || entry.Port <= 0 {
		return Peer{}, false
	}

	version := 0
	if raw := txt["version"]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			version = parsed
		}
	}

	seen := make(map[string]struct{})
	addrs := make([]*net.UDPAddr, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		key := ip.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		addrs = append(addrs, &net.UDPAddr{IP: ip, Port: entry.Port})
	}
	if len(addrs) == 0 {
		return Peer{}, false
	}

	return Peer{NodeID: nodeID, Version: version, Addresses: addrs}, true
}

func txtToMap(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(key))] = value
	}
	return out
}
