// Package obs holds the observability surface shared by the looptunnel
// packages: Prometheus collectors for tunnel lifecycle and relay traffic,
// and a small HTTP server for exposing them.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TunnelOpens counts completed open attempts, partitioned by result
	// ("success" or "failure").
	TunnelOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "looptunnel_tunnel_opens_total",
		Help: "Completed tunnel open attempts by result.",
	}, []string{"result"})

	// TunnelCloses counts tunnel teardowns reported to listeners, whether
	// user-initiated or peer-initiated.
	TunnelCloses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "looptunnel_tunnel_closes_total",
		Help: "Tunnel teardowns reported to lifecycle listeners.",
	})

	// ConnectTimeouts counts remote connect attempts that were abandoned by
	// the lifecycle timer.
	ConnectTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "looptunnel_connect_timeouts_total",
		Help: "Remote connect attempts abandoned by the connect timer.",
	})

	// OperationTimeouts counts guarded downstream operations that overran
	// their deadline and forced a tunnel abort.
	OperationTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "looptunnel_operation_timeouts_total",
		Help: "Guarded operations that overran their deadline.",
	})

	// RelayBytes counts bytes forwarded by the relay, partitioned by
	// direction ("to_remote" or "to_local").
	RelayBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "looptunnel_relay_bytes_total",
		Help: "Bytes forwarded through the loopback relay by direction.",
	}, []string{"direction"})
)
