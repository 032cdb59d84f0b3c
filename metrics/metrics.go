// Package metrics defines the prometheus collectors exported by a p2pnode
// process: peer counts, frame decode activity, handshake completions, and
// dead-peer detections. Naming and registration follow the
// rib-ingester/metrics convention of package-level vectors registered once
// by the caller.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PeersConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "p2pnode_peers_connected",
			Help: "Number of currently connected peers.",
		},
		[]string{"direction"},
	)

	FramesDecodedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pnode_frames_decoded_total",
			Help: "Total frames successfully decoded from peer buffers, by message type.",
		},
		[]string{"type"},
	)

	HandshakesCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pnode_handshakes_completed_total",
			Help: "Total peer handshakes that reached local=ack, remote=ack.",
		},
	)

	DeadPeersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pnode_dead_peers_total",
			Help: "Total peers declared dead by the liveness routine.",
		},
	)

	CodecErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pnode_codec_errors_total",
			Help: "Total codec decode failures, by kind.",
		},
		[]string{"kind"},
	)
)

// Register adds every collector in this package to reg. Call once at
// startup; passing a nil reg is a no-op so packages can use the metrics
// unconditionally in tests without standing up a registry.
func Register(reg *prometheus.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(
		PeersConnected,
		FramesDecodedTotal,
		HandshakesCompletedTotal,
		DeadPeersTotal,
		CodecErrorsTotal,
	)
}
