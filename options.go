package carrier

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/opd-ai/carrier/dht"
	"github.com/opd-ai/carrier/friend"
	"github.com/opd-ai/carrier/transport"
)

// BootstrapNode is a well known node used to join the network.
type BootstrapNode = dht.BootstrapNode

const (
	// DefaultIterationInterval is the loop period used when Run is given zero.
	DefaultIterationInterval = 50 * time.Millisecond
	// DefaultPingInterval is how often nodes and friends are pinged.
	DefaultPingInterval = 5 * time.Second
	// DefaultPeerTimeout is how long a silent friend stays connected.
	DefaultPeerTimeout = 20 * time.Second
)

// Options contains configuration options for creating a Carrier node.
type Options struct {
	// UDPEnabled binds a UDP socket. Without it the node is created offline:
	// identity, profile and friend list work but nothing is sent.
	UDPEnabled bool
	// PersistentLocation is the directory holding the node's state database.
	// Empty means an ephemeral identity that is lost on Kill.
	PersistentLocation string
	// Bootstraps are the nodes contacted first to join the network.
	Bootstraps []BootstrapNode
	// BindHost is the local interface to bind; empty binds all interfaces.
	BindHost string
	// StartPort and EndPort bound the port search; StartPort 0 binds an ephemeral port.
	StartPort uint16
	EndPort   uint16
	// LocalDiscovery announces and finds nodes on the LAN with mDNS.
	LocalDiscovery bool
	// PingInterval is the period of node and friend pings.
	PingInterval time.Duration
	// PeerTimeout is how long a friend may stay silent before it is offline.
	PeerTimeout time.Duration
	// FriendRequestRate and FriendRequestBurst limit inbound friend requests.
	FriendRequestRate  float64
	FriendRequestBurst int

	transport transport.Transport
	resolve   dht.Resolver
	timeNow   friend.TimeProvider
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		UDPEnabled:         true,
		StartPort:          33445,
		EndPort:            33545,
		PingInterval:       DefaultPingInterval,
		PeerTimeout:        DefaultPeerTimeout,
		FriendRequestRate:  float64(friend.DefaultRequestRate),
		FriendRequestBurst: friend.DefaultRequestBurst,
	}
}

// optionsFile is the JSON form of Options. Durations are Go duration strings.
type optionsFile struct {
	UDPEnabled         *bool           `json:"udp_enabled"`
	PersistentLocation string          `json:"persistent_location"`
	Bootstraps         []BootstrapNode `json:"bootstraps"`
	BindHost           string          `json:"bind_host"`
	StartPort          *uint16         `json:"start_port"`
	EndPort            *uint16         `json:"end_port"`
	LocalDiscovery     *bool           `json:"local_discovery"`
	PingInterval       string          `json:"ping_interval"`
	PeerTimeout        string          `json:"peer_timeout"`
	FriendRequestRate  float64         `json:"friend_request_rate"`
	FriendRequestBurst int             `json:"friend_request_burst"`
}

// LoadOptionsFile reads JSON options from path on top of NewOptions defaults.
func LoadOptionsFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Op: "LoadOptionsFile", Kind: ErrConfig, Err: err}
	}
	var raw optionsFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Op: "LoadOptionsFile", Kind: ErrConfig, Err: fmt.Errorf("parse %s: %w", path, err)}
	}

	opts := NewOptions()
	if raw.UDPEnabled != nil {
		opts.UDPEnabled = *raw.UDPEnabled
	}
	if raw.LocalDiscovery != nil {
		opts.LocalDiscovery = *raw.LocalDiscovery
	}
	if raw.StartPort != nil {
		opts.StartPort = *raw.StartPort
	}
	if raw.EndPort != nil {
		opts.EndPort = *raw.EndPort
	}
	opts.PersistentLocation = raw.PersistentLocation
	opts.Bootstraps = raw.Bootstraps
	opts.BindHost = raw.BindHost
	if raw.FriendRequestRate > 0 {
		opts.FriendRequestRate = raw.FriendRequestRate
	}
	if raw.FriendRequestBurst > 0 {
		opts.FriendRequestBurst = raw.FriendRequestBurst
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"ping_interval", raw.PingInterval, &opts.PingInterval},
		{"peer_timeout", raw.PeerTimeout, &opts.PeerTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil || v <= 0 {
			return nil, &Error{Op: "LoadOptionsFile", Kind: ErrConfig, Err: fmt.Errorf("%s: invalid duration %q", d.name, d.raw)}
		}
		*d.dst = v
	}

	if err := opts.validate(); err != nil {
		return nil, &Error{Op: "LoadOptionsFile", Kind: ErrConfig, Err: err}
	}
	return opts, nil
}

// validate checks everything that can be checked without side effects.
func (o *Options) validate() error {
	for _, b := range o.Bootstraps {
		if _, err := b.Validate(); err != nil {
			return err
		}
	}
	if o.EndPort != 0 && o.EndPort < o.StartPort {
		return fmt.Errorf("end port %d below start port %d", o.EndPort, o.StartPort)
	}
	if o.PeerTimeout > 0 && o.PingInterval > 0 && o.PeerTimeout <= o.PingInterval {
		return fmt.Errorf("peer timeout %v must exceed ping interval %v", o.PeerTimeout, o.PingInterval)
	}
	return nil
}

// withDefaults fills zero values.
func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PeerTimeout <= 0 {
		o.PeerTimeout = 4 * o.PingInterval
	}
	if o.FriendRequestRate <= 0 {
		o.FriendRequestRate = float64(friend.DefaultRequestRate)
	}
	if o.FriendRequestBurst <= 0 {
		o.FriendRequestBurst = friend.DefaultRequestBurst
	}
	if o.resolve == nil {
		o.resolve = dht.ResolveUDP
	}
	if o.timeNow == nil {
		o.timeNow = friend.DefaultTimeProvider{}
	}
	return o
}

// resolveEndpoint is used for endpoints learned from SendNodes.
func (c *Carrier) resolveEndpoint(endpoint string) (net.Addr, error) {
	return c.options.resolve(endpoint)
}
