// Package metrics exports transport-level ConnectionEvent::Stats samples as
// prometheus gauges, replacing the teacher's unused prometheus/common/log
// import with an actual metrics surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bluesea-net/sdn-network/identity"
	"github.com/bluesea-net/sdn-network/transport"
)

// ConnectionStatsCollector records the latest liveness sample per
// connection, labeled by conn id and remote node, so a host can register it
// against its own prometheus.Registerer.
type ConnectionStatsCollector struct {
	rttMs       *prometheus.GaugeVec
	sendingKbps *prometheus.GaugeVec
	sendEstKbps *prometheus.GaugeVec
	lossPercent *prometheus.GaugeVec
	overUse     *prometheus.GaugeVec
}

// NewConnectionStatsCollector builds a collector with an optional namespace
// prefix (pass "" to use the default "sdn_network").
func NewConnectionStatsCollector(namespace string) *ConnectionStatsCollector {
	if namespace == "" {
		namespace = "sdn_network"
	}
	labels := []string{"conn_id", "remote_node"}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      name,
			Help:      help,
		}, labels)
	}
	return &ConnectionStatsCollector{
		rttMs:       gauge("rtt_ms", "Last observed round-trip time in milliseconds."),
		sendingKbps: gauge("sending_kbps", "Last observed send rate in kbps."),
		sendEstKbps: gauge("send_estimate_kbps", "Last estimated available send rate in kbps."),
		lossPercent: gauge("loss_percent", "Last observed loss percentage."),
		overUse:     gauge("over_use", "1 when the connection reports bandwidth over-use, else 0."),
	}
}

// Collectors returns the prometheus.Collectors to register against a
// prometheus.Registerer.
func (c *ConnectionStatsCollector) Collectors() []prometheus.Collector {
	return []prometheus.Collector{c.rttMs, c.sendingKbps, c.sendEstKbps, c.lossPercent, c.overUse}
}

// Observe records a Stats event for a given connection.
func (c *ConnectionStatsCollector) Observe(connId identity.ConnId, remote identity.NodeId, stats transport.ConnectionStats) {
	labels := prometheus.Labels{"conn_id": connId.String(), "remote_node": remote.String()}
	c.rttMs.With(labels).Set(float64(stats.RttMs))
	c.sendingKbps.With(labels).Set(float64(stats.SendingKbps))
	c.sendEstKbps.With(labels).Set(float64(stats.SendEstKbps))
	c.lossPercent.With(labels).Set(float64(stats.LossPercent))
	overUse := 0.0
	if stats.OverUse {
		overUse = 1.0
	}
	c.overUse.With(labels).Set(overUse)
}

// Forget removes a connection's series once it closes, so the cardinality
// does not grow unbounded over a process lifetime.
func (c *ConnectionStatsCollector) Forget(connId identity.ConnId, remote identity.NodeId) {
	labels := prometheus.Labels{"conn_id": connId.String(), "remote_node": remote.String()}
	c.rttMs.Delete(labels)
	c.sendingKbps.Delete(labels)
	c.sendEstKbps.Delete(labels)
	c.lossPercent.Delete(labels)
	c.overUse.Delete(labels)
}
