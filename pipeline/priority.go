package pipeline

import (
	"sync"

	"quicr/packet"
)

// priorityLevels is the fixed queue count: priority 1 (highest) .. 10
// (lowest).
const priorityLevels = 10

// Priority holds one FIFO queue per priority level on the send side and
// forwards strictly from the highest non-empty queue down — a pop
// always drains priority 1 to exhaustion before priority 2 is even
// looked at. The receive side has no priority notion (the wire doesn't
// carry it) and simply forwards.
type Priority struct {
	*Base
	mu     sync.Mutex
	queues [priorityLevels][]*packet.Packet
}

// NewPriority builds an empty Priority stage.
func NewPriority() *Priority {
	return &Priority{Base: &Base{}}
}

// Send enqueues p on its priority's queue rather than forwarding
// immediately; Drain is what actually pushes packets to Connection. This
// decouples "the application called publish" from "the pacer's send loop
// is ready for the next datagram".
func (pr *Priority) Send(p *packet.Packet) error {
	idx := priorityIndex(p.Priority)
	pr.mu.Lock()
	pr.queues[idx] = append(pr.queues[idx], p)
	pr.mu.Unlock()
	return nil
}

// Drain pops and forwards the single highest-priority packet queued, if
// any. The Pacer's send loop calls this once per send opportunity.
func (pr *Priority) Drain() (bool, error) {
	p := pr.pop()
	if p == nil {
		return false, nil
	}
	return true, pr.Base.Send(p)
}

// Peek returns the packet Drain would pop next, without removing it —
// the Pacer uses this to size its rate-limiter check before committing
// to the send.
func (pr *Priority) Peek() (*packet.Packet, bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	for i := 0; i < priorityLevels; i++ {
		if len(pr.queues[i]) > 0 {
			return pr.queues[i][0], true
		}
	}
	return nil, false
}

func (pr *Priority) pop() *packet.Packet {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	for i := 0; i < priorityLevels; i++ {
		if len(pr.queues[i]) > 0 {
			p := pr.queues[i][0]
			pr.queues[i] = pr.queues[i][1:]
			return p
		}
	}
	return nil
}

// Pending reports how many packets are queued across all levels.
func (pr *Priority) Pending() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	n := 0
	for _, q := range pr.queues {
		n += len(q)
	}
	return n
}

func priorityIndex(priority uint8) int {
	if priority < 1 {
		return 0
	}
	if int(priority) > priorityLevels {
		return priorityLevels - 1
	}
	return int(priority) - 1
}
