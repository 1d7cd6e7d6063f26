// Command kvnode is a minimal host process wiring a kv.Agent to a
// transport.Transport: connect to a set of neighbours, subscribe to key 0,
// and log every update it observes for that key. It sets no keys itself. It plays
// the same illustrative role as the teacher's own example binaries — not a
// production deployment.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bluesea-net/sdn-network/awaker"
	"github.com/bluesea-net/sdn-network/dispatch"
	"github.com/bluesea-net/sdn-network/identity"
	"github.com/bluesea-net/sdn-network/kv"
	"github.com/bluesea-net/sdn-network/logging"
	"github.com/bluesea-net/sdn-network/metrics"
	"github.com/bluesea-net/sdn-network/router"
	"github.com/bluesea-net/sdn-network/timer"
	"github.com/bluesea-net/sdn-network/transport/tcp"
)

type neighbourList []identity.NodeAddr

func (n *neighbourList) String() string {
	parts := make([]string, len(*n))
	for i, addr := range *n {
		parts[i] = addr.String()
	}
	return strings.Join(parts, ",")
}

// Set parses "nodeId@ip:port", e.g. "2@127.0.0.1:7002".
func (n *neighbourList) Set(value string) error {
	at := strings.IndexByte(value, '@')
	if at < 0 {
		return fmt.Errorf("neighbour %q: expected nodeId@ip:port", value)
	}
	id, err := strconv.ParseUint(value[:at], 10, 32)
	if err != nil {
		return fmt.Errorf("neighbour %q: invalid node id: %w", value, err)
	}
	host, port, err := net.SplitHostPort(value[at+1:])
	if err != nil {
		return fmt.Errorf("neighbour %q: invalid ip:port: %w", value, err)
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return fmt.Errorf("neighbour %q: invalid port: %w", value, err)
	}
	addr := identity.NewNodeAddr(identity.Ip4(host), identity.Tcp(uint16(portNum)), identity.P2p(identity.NodeId(id)))
	*n = append(*n, addr)
	return nil
}

func main() {
	var (
		nodeId     = flag.Uint("node-id", 0, "this node's id")
		listenAddr = flag.String("listen", "0.0.0.0:7000", "tcp listen address")
		metricsAddr = flag.String("metrics", "", "address to serve Prometheus metrics on (empty disables it)")
		tickMs     = flag.Uint("tick-ms", 1000, "agent tick period in milliseconds")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	var neighbours neighbourList
	flag.Var(&neighbours, "neighbour", "neighbour as nodeId@ip:port (repeatable)")
	flag.Parse()

	log := logging.NewDefaultLogger("kvnode")
	log.ToggleDebug(*debug)

	host, portStr, err := net.SplitHostPort(*listenAddr)
	if err != nil {
		log.Fatalf("invalid -listen: %v", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		log.Fatalf("invalid -listen port: %v", err)
	}
	selfAddr := identity.NewNodeAddr(identity.Ip4(host), identity.Tcp(uint16(port)), identity.P2p(identity.NodeId(*nodeId)))
	log.Infof("node %d listening at %s", *nodeId, selfAddr)

	stats := metrics.NewConnectionStatsCollector("")
	registry := prometheus.NewRegistry()
	for _, c := range stats.Collectors() {
		registry.MustRegister(c)
	}
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			log.Infof("metrics listening at %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Errorf("metrics server stopped: %v", err)
			}
		}()
	}

	tr, err := tcp.NewTcpTransport(tcp.Config{
		ListenAddr: *listenAddr,
		SelfId:     identity.NodeId(*nodeId),
		SelfAddr:   selfAddr,
	}, timer.SystemTimer{}, log, stats)
	if err != nil {
		log.Fatalf("starting transport: %v", err)
	}

	wake := awaker.NewChannelAwaker()
	agent := kv.NewAgent(timer.SystemTimer{}, wake, log, kv.DefaultConfig())
	rt := router.NewStaticRouter()
	for _, addr := range neighbours {
		if id, ok := addr.NodeIdOf(); ok {
			rt.KeyOwners[uint32(id)] = id
			if _, err := tr.Connector().ConnectTo(id, addr); err != nil {
				log.Errorf("connecting to %s: %v", addr, err)
			}
		}
	}

	// Subscribe before the dispatcher starts driving the agent from its own
	// goroutines: once d.Run is running, every agent call must go through
	// its agentMu, which a direct call here bypasses.
	agent.Subscribe(0, false, 0, func(key kv.KeyId, hasValue bool, value []byte, version kv.KeyVersion, source identity.NodeId) {
		log.Infof("key %d updated: present=%v value=%q version=%d source=%s", key, hasValue, value, version, source)
	})

	d := dispatch.New(tr, agent, rt, log, stats)
	stop := make(chan struct{})
	defer close(stop)
	go d.Run(stop, wake.Chan(), time.Duration(*tickMs)*time.Millisecond)

	select {}
}
