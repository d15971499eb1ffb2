// Package main runs a standalone carrier node.
//
// The node joins the network through the configured bootstrap nodes, logs
// every event it sees and optionally serves its Prometheus metrics over HTTP.
// Interrupting the process kills the node and waits for Run to return.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/opd-ai/carrier"
	"github.com/opd-ai/carrier/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	configFile     string
	dataDir        string
	bindHost       string
	startPort      uint
	endPort        uint
	bootstraps     []carrier.BootstrapNode
	localDiscovery bool
	metricsAddr    string
	interval       time.Duration
	logLevel       string
	name           string
	autoAccept     bool
	echoSessions   bool
	help           bool

	// set records the flags given explicitly.
	set map[string]bool
}

// parseCLIFlags parses args into a CLIConfig.
func parseCLIFlags(args []string, output io.Writer) (*CLIConfig, error) {
	config := &CLIConfig{}
	fs := flag.NewFlagSet("carrier-node", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&config.configFile, "config", "", "JSON options file; flags override its values")
	fs.StringVar(&config.dataDir, "data", "", "State directory (default: ephemeral identity)")
	fs.StringVar(&config.bindHost, "bind", "", "Local interface to bind")
	fs.UintVar(&config.startPort, "port-start", 33445, "First UDP port to try")
	fs.UintVar(&config.endPort, "port-end", 33545, "Last UDP port to try")
	fs.Func("bootstrap", "Bootstrap node as <node-id>@<host>:<port> (repeatable)", func(value string) error {
		node, err := parseBootstrap(value)
		if err != nil {
			return err
		}
		config.bootstraps = append(config.bootstraps, node)
		return nil
	})
	fs.BoolVar(&config.localDiscovery, "local-discovery", false, "Find nodes on the LAN with mDNS")
	fs.StringVar(&config.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address, e.g. :9100")
	fs.DurationVar(&config.interval, "interval", carrier.DefaultIterationInterval, "Run loop iteration interval")
	fs.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&config.name, "name", "", "Profile name published once the node is ready")
	fs.BoolVar(&config.autoAccept, "auto-accept", false, "Accept every friend request")
	fs.BoolVar(&config.echoSessions, "echo-sessions", false, "Accept session offers and echo their data")
	fs.BoolVar(&config.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	config.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { config.set[f.Name] = true })
	return config, nil
}

// parseBootstrap parses <node-id>@<host>:<port>.
func parseBootstrap(value string) (carrier.BootstrapNode, error) {
	id, endpoint, ok := strings.Cut(value, "@")
	if !ok || id == "" {
		return carrier.BootstrapNode{}, fmt.Errorf("bootstrap %q: want <node-id>@<host>:<port>", value)
	}
	host, rawPort, err := net.SplitHostPort(endpoint)
	if err != nil {
		return carrier.BootstrapNode{}, fmt.Errorf("bootstrap %q: %w", value, err)
	}
	port, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil || port == 0 {
		return carrier.BootstrapNode{}, fmt.Errorf("bootstrap %q: invalid port", value)
	}
	return carrier.BootstrapNode{Host: host, Port: uint16(port), PublicKey: id}, nil
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if config.startPort > 65535 || config.endPort > 65535 {
		return fmt.Errorf("invalid port range: ports must be at most 65535")
	}
	if config.endPort < config.startPort {
		return fmt.Errorf("invalid port range: %d-%d", config.startPort, config.endPort)
	}
	if config.interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if _, err := logrus.ParseLevel(config.logLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// buildOptions merges the options file, if any, with the flags that were set.
func buildOptions(config *CLIConfig) (*carrier.Options, error) {
	set := config.set
	opts := carrier.NewOptions()
	if config.configFile != "" {
		loaded, err := carrier.LoadOptionsFile(config.configFile)
		if err != nil {
			return nil, err
		}
		opts = loaded
	}

	if set["data"] {
		opts.PersistentLocation = config.dataDir
	}
	if set["bind"] {
		opts.BindHost = config.bindHost
	}
	if set["port-start"] || config.configFile == "" {
		opts.StartPort = uint16(config.startPort)
	}
	if set["port-end"] || config.configFile == "" {
		opts.EndPort = uint16(config.endPort)
	}
	if set["local-discovery"] {
		opts.LocalDiscovery = config.localDiscovery
	}
	opts.Bootstraps = append(opts.Bootstraps, config.bootstraps...)
	return opts, nil
}

// serveMetrics serves the node's registry until ctx is done.
func serveMetrics(ctx context.Context, addr string, node *carrier.Carrier) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(node.Registry(), promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "serveMetrics",
		"address":  addr,
	}).Info("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// run starts the node and blocks until ctx is done or the node fails.
func run(ctx context.Context, config *CLIConfig, opts *carrier.Options) error {
	handler := newNodeHandler(config.name, config.autoAccept)
	node, err := carrier.New(opts, handler)
	if err != nil {
		return err
	}

	var sessions *session.Manager
	if config.echoSessions {
		sessions, err = session.NewManager(node, handler.echoSession)
		if err != nil {
			node.Kill()
			return err
		}
		handler.sessions = sessions
	}

	logrus.WithFields(logrus.Fields{
		"function": "run",
		"address":  node.Address(),
		"node_id":  node.NodeID(),
	}).Info("Carrier node created")

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stop()
		return node.Run(config.interval)
	})
	g.Go(func() error {
		<-ctx.Done()
		if sessions != nil {
			sessions.Cleanup()
		}
		node.Kill()
		return nil
	})
	if config.metricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, config.metricsAddr, node)
		})
	}
	return g.Wait()
}

func main() {
	config, err := parseCLIFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}
	if config.help {
		fmt.Println("Usage:")
		fmt.Printf("  %s [options]\n", os.Args[0])
		fmt.Println()
		fmt.Println("Example:")
		fmt.Printf("  %s -data ./state -bootstrap <node-id>@198.51.100.7:33445 -metrics :9100\n", os.Args[0])
		os.Exit(0)
	}
	if err := validateCLIConfig(config); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	level, _ := logrus.ParseLevel(config.logLevel)
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	opts, err := buildOptions(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, config, opts); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Error("Carrier node stopped")
		os.Exit(1)
	}
	logrus.WithField("function", "main").Info("Carrier node stopped")
}
