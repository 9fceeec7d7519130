// Package ipc implements the IPC Port Layer (IPC) from spec.md §4.6:
// named ports with a bounded FIFO of messages and a waiter list, plus
// the request/reply `call` helper. The ring buffer is grounded on the
// teacher's circbuf.Circbuf_t (monotonic head/tail counters, modulo
// capacity, "full when head-tail==capacity") adapted to queue whole
// Message values instead of bytes, since a port's unit of transfer is
// a message, not a byte stream.
package ipc

import (
	"context"
	"sync"

	"microkernel/cap"
	"microkernel/defs"
	"microkernel/klog"
	"microkernel/rescap"
)

// MaxInlinePayload bounds a message's inline payload (spec.md §3
// "Message": "≤64-byte inline payload").
const MaxInlinePayload = 64

// DefaultCapacity is a port's queue capacity unless overridden
// (spec.md §4.6: "sets queue capacity (default 32)").
const DefaultCapacity = 32

// OutOfLine describes an out-of-line buffer captured by reference and
// ownership-transferred on send (spec.md §3 "Message").
type OutOfLine struct {
	Addr uintptr
	Len  int
}

// Message is one IPC message (spec.md §3 "Message").
type Message struct {
	Sender     defs.Tid_t
	Type       uint32
	Payload    [MaxInlinePayload]byte
	PayloadLen int
	OOB        *OutOfLine
	Caps       []defs.CapID // capability ids, in the sender's table, tagged for transfer
}

// ring is a bounded FIFO of messages, mirroring circbuf's monotonic
// head/tail-counters-modulo-capacity shape.
type ring struct {
	buf  []Message
	head int
	tail int
}

func newRing(capacity int) *ring { return &ring{buf: make([]Message, capacity)} }

func (r *ring) full() bool  { return r.head-r.tail == len(r.buf) }
func (r *ring) empty() bool { return r.head == r.tail }

func (r *ring) push(m Message) {
	r.buf[r.head%len(r.buf)] = m
	r.head++
}

func (r *ring) pop() Message {
	m := r.buf[r.tail%len(r.buf)]
	r.tail++
	return m
}

// waiter is a blocked recv's wakeup channel.
type waiter struct {
	ch chan struct{}
}

// Port is a named, owned, bounded message queue (spec.md §3 "Port").
type Port struct {
	mu sync.Mutex

	id    defs.PortID
	owner defs.Tid_t

	q         *ring
	waiters   []*waiter
	destroyed bool

	limits *rescap.Limits
}

// newPort builds a port holding at most capacity messages, owned by owner.
func newPort(id defs.PortID, owner defs.Tid_t, capacity int, limits *rescap.Limits) *Port {
	return &Port{id: id, owner: owner, q: newRing(capacity), limits: limits}
}

// ID reports the port's identifier.
func (p *Port) ID() defs.PortID { return p.id }

// Owner reports the thread that created the port.
func (p *Port) Owner() defs.Tid_t { return p.owner }

// Stat is a point-in-time occupancy snapshot of a port, for diagnostics
// (kdebug, kstat) rather than kernel logic.
type Stat struct {
	ID       defs.PortID
	Owner    defs.Tid_t
	Queued   int
	Capacity int
	Waiters  int
}

// Stat snapshots this port's occupancy under its own lock.
func (p *Port) Stat() Stat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stat{ID: p.id, Owner: p.owner, Queued: p.q.head - p.q.tail, Capacity: len(p.q.buf), Waiters: len(p.waiters)}
}

// wakeOldestLocked pops the oldest waiter, if any, and signals it;
// called with p.mu held (spec.md §4.6: "if a waiter is present, dequeue
// the oldest waiter and wake it").
func (p *Port) wakeOldestLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	close(w.ch)
}

// Send enqueues msg at the port's tail, per spec.md §4.6. Send does not
// check a send right itself; the syscall layer checks the sender's
// capability for the port before calling it. senderCaps is the sending
// process's capability table, used to resolve any capabilities msg tags
// for transfer; receiverCaps is the port owner's table, the transfer
// destination. Capabilities move only once the message is accepted for
// queueing, so a send that fails moves none. A full queue returns
// defs.EAGAIN without blocking (spec.md §4.6: "this spec requires
// non-blocking send in the queue-full case").
func (p *Port) Send(senderCaps *cap.Table, receiverCaps *cap.Table, msg Message) defs.Err_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return defs.ENOENT
	}
	if p.q.full() {
		return defs.EAGAIN
	}
	if p.limits != nil && !p.limits.Take(rescap.TagIPCQueue, 1) {
		return defs.ENOHEAP
	}
	if len(msg.Caps) > 0 {
		granted, err := cap.TransferAll(senderCaps, receiverCaps, msg.Caps)
		if err != 0 {
			if p.limits != nil {
				p.limits.Give(rescap.TagIPCQueue, 1)
			}
			return err
		}
		msg.Caps = granted
	}
	p.q.push(msg)
	p.wakeOldestLocked()
	return 0
}

// TryRecv returns the head message without blocking, or defs.EAGAIN if
// the queue is empty (spec.md §4.6: "try_recv(port) returns immediately
// with a would-block error if empty").
func (p *Port) TryRecv() (Message, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q.empty() {
		return Message{}, defs.EAGAIN
	}
	m := p.q.pop()
	if p.limits != nil {
		p.limits.Give(rescap.TagIPCQueue, 1)
	}
	return m, 0
}

// Recv blocks until a message arrives, the port is destroyed, or ctx is
// cancelled (spec.md §4.6: "recv(port) blocks the caller on the port's
// waiter list if empty"; spec.md §4.5: "A thread may suspend during:
// ipc_recv on an empty port").
func (p *Port) Recv(ctx context.Context) (Message, defs.Err_t) {
	for {
		p.mu.Lock()
		if !p.q.empty() {
			m := p.q.pop()
			if p.limits != nil {
				p.limits.Give(rescap.TagIPCQueue, 1)
			}
			p.mu.Unlock()
			return m, 0
		}
		if p.destroyed {
			p.mu.Unlock()
			return Message{}, defs.ENOENT
		}
		w := &waiter{ch: make(chan struct{})}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case <-w.ch:
			// either a message arrived or the port was destroyed; loop
			// to re-check state under the lock.
		case <-ctx.Done():
			p.removeWaiter(w)
			return Message{}, defs.EAGAIN
		}
	}
}

func (p *Port) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// destroy drops queued messages and wakes every waiter with a failure
// indication (spec.md §4.6: "destroy_port(id) drops queued messages
// and wakes any waiter with a failure indication").
func (p *Port) destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = true
	if p.limits != nil && !p.q.empty() {
		p.limits.Give(rescap.TagIPCQueue, int64(p.q.head-p.q.tail))
	}
	p.q = newRing(len(p.q.buf))
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil
}

// Registry owns the port namespace (spec.md §9's "arena plus stable
// integer handles", applied to ports).
type Registry struct {
	mu sync.Mutex

	ports   map[defs.PortID]*Port
	nextID  defs.PortID
	freeIDs []defs.PortID

	log    klog.Sink
	limits *rescap.Limits
}

// NewRegistry constructs an empty port namespace.
func NewRegistry(limits *rescap.Limits, log klog.Sink) *Registry {
	if log == nil {
		log = klog.Discard
	}
	return &Registry{ports: make(map[defs.PortID]*Port), nextID: 1, log: log, limits: limits}
}

// CreatePort allocates the next free port id, owned by owner, with the
// default queue capacity (spec.md §4.6).
func (r *Registry) CreatePort(owner defs.Tid_t) defs.PortID {
	return r.CreatePortSized(owner, DefaultCapacity)
}

// CreatePortSized is CreatePort with an explicit capacity, used for
// transient reply ports in Call and for tests.
func (r *Registry) CreatePortSized(owner defs.Tid_t, capacity int) defs.PortID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var id defs.PortID
	if n := len(r.freeIDs); n > 0 {
		id = r.freeIDs[n-1]
		r.freeIDs = r.freeIDs[:n-1]
	} else {
		id = r.nextID
		r.nextID++
	}
	r.ports[id] = newPort(id, owner, capacity, r.limits)
	return id
}

// Lookup returns the port for id, if it exists.
func (r *Registry) Lookup(id defs.PortID) (*Port, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.ports[id]
	return p, ok
}

// DestroyPort drops the port from the namespace and recycles its id,
// after waking any blocked waiters (spec.md §4.6).
func (r *Registry) DestroyPort(id defs.PortID) defs.Err_t {
	r.mu.Lock()
	p, ok := r.ports[id]
	if !ok {
		r.mu.Unlock()
		return defs.ENOENT
	}
	delete(r.ports, id)
	r.freeIDs = append(r.freeIDs, id)
	r.mu.Unlock()

	p.destroy()
	r.log.Debugf("ipc: destroyed port %d", id)
	return 0
}

// Stats snapshots every live port's occupancy, for an operator report
// (SPEC_FULL.md §11's kstat wiring) rather than kernel logic.
func (r *Registry) Stats() []Stat {
	r.mu.Lock()
	ports := make([]*Port, 0, len(r.ports))
	for _, p := range r.ports {
		ports = append(ports, p)
	}
	r.mu.Unlock()

	out := make([]Stat, len(ports))
	for i, p := range ports {
		out[i] = p.Stat()
	}
	return out
}

// Call implements spec.md §4.6's request/reply helper: create a
// transient reply port, attach its id as request.Type's companion
// metadata via the caller-supplied attach function, send the request,
// receive exactly one reply, destroy the reply port, and return it.
func (r *Registry) Call(ctx context.Context, senderCaps, receiverCaps *cap.Table, targetPort defs.PortID, caller defs.Tid_t, buildRequest func(replyPort defs.PortID) Message) (Message, defs.Err_t) {
	replyID := r.CreatePortSized(caller, 1)
	defer r.DestroyPort(replyID)

	target, ok := r.Lookup(targetPort)
	if !ok {
		return Message{}, defs.ENOENT
	}
	req := buildRequest(replyID)
	if err := target.Send(senderCaps, receiverCaps, req); err != 0 {
		return Message{}, err
	}

	replyPort, _ := r.Lookup(replyID)
	return replyPort.Recv(ctx)
}
