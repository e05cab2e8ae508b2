package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"quicr/packet"
	"quicr/shortname"
)

// Stats is the topmost stage: every OnStat call bubbling
// up from a lower stage terminates here, and every send/recv also
// passes through it, giving one place to export Prometheus metrics for
// the whole pipeline.
type Stats struct {
	*Base

	sentPackets, recvPackets prometheus.Counter
	sentBytes, recvBytes     prometheus.Counter
	acks                     prometheus.Counter
	custom                   *prometheus.CounterVec

	mu      sync.Mutex
	lastAck shortname.ShortName
}

// NewStats registers its metrics on reg under namespace (typically
// "quicr_client" or "quicr_relay").
func NewStats(reg prometheus.Registerer, namespace string) *Stats {
	s := &Stats{
		Base: &Base{},
		sentPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_sent_total",
		}),
		recvPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_recv_total",
		}),
		sentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total",
		}),
		recvBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_recv_total",
		}),
		acks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "acks_total",
		}),
		custom: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stage_stat_total",
		}, []string{"stat"}),
	}
	reg.MustRegister(s.sentPackets, s.recvPackets, s.sentBytes, s.recvBytes, s.acks, s.custom)
	return s
}

func (s *Stats) Send(p *packet.Packet) error {
	s.sentPackets.Inc()
	s.sentBytes.Add(float64(len(p.Buf)))
	return s.Base.Send(p)
}

func (s *Stats) Recv() (*packet.Packet, bool) {
	p, ok := s.Base.Recv()
	if !ok {
		return nil, false
	}
	s.recvPackets.Inc()
	s.recvBytes.Add(float64(len(p.Buf)))
	return p, true
}

func (s *Stats) Ack(name shortname.ShortName) {
	s.acks.Inc()
	s.mu.Lock()
	s.lastAck = name
	s.mu.Unlock()
}

func (s *Stats) OnStat(name string, value uint64) {
	s.custom.WithLabelValues(name).Add(float64(value))
}

// LastAck returns the most recently acknowledged name, for tests.
func (s *Stats) LastAck() shortname.ShortName {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAck
}
