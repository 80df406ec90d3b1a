package network

//
// an in-process network shared by every node of a simulation.
//
// sim, err := NewSimulator(opts, logger) -- starts the delivery loop.
// sim.RegisterNode(node) -- make node reachable, must happen before it sends or receives.
// sim.Send(msg, from, to) -- queue a message, false if lost, partitioned or unknown.
// sim.SimulatePartition(id, peers) / sim.HealPartition(id)
// sim.Shutdown() -- stop the loop, wait at most a second.
//
// each ordered pair of nodes gets a base latency drawn once from
// [MinLatencyMs, MaxLatencyMs], every send jitters it by +-20%.
// the queue is drained strictly in send order: a slow message at the
// head holds back faster ones behind it.
//

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"raftsim/encoding"
	"raftsim/logging"
	"raftsim/raft"
)

// Receiver is a participant the simulator delivers to.
type Receiver interface {
	ID() int
	ReceiveMessage(msg raft.Message, from int)
}

type envelope struct {
	id        uuid.UUID
	kind      string
	from      int
	to        int
	payload   []byte // encoded wireMessage
	deliverAt time.Time
}

// wireMessage wraps the message so gob carries its concrete type.
type wireMessage struct {
	Msg raft.Message
}

type Stats struct {
	Attempted         int64 // every Send call
	Queued            int64
	Lost              int64 // random loss
	Blocked           int64 // partitioned at send time
	Unroutable        int64 // unregistered source or destination
	DroppedAtDelivery int64 // partitioned or unregistered when due
	Delivered         int64
	Bytes             int64 // encoded payload bytes queued
}

type Simulator struct {
	mu         sync.Mutex
	opts       Options
	rand       *rand.Rand
	logger     logging.Logger
	nodes      map[int]Receiver
	partitions map[int]*partitionSet
	latencies  map[route]int // base latency in ms per ordered pair
	queue      []*envelope   // FIFO by send order
	closed     bool

	done         chan struct{} // closed by Shutdown
	loopDone     chan struct{} // closed when the delivery loop returns
	shutdownOnce sync.Once
	inflight     sync.WaitGroup

	attempted         int64
	queued            int64
	lost              int64
	blocked           int64
	unroutable        int64
	droppedAtDelivery int64
	delivered         int64
	bytes             int64
}

func NewSimulator(opts Options, logger logging.Logger) (*Simulator, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	r := opts.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	s := &Simulator{
		opts:       opts,
		rand:       r,
		logger:     logger,
		nodes:      make(map[int]Receiver),
		partitions: make(map[int]*partitionSet),
		latencies:  make(map[route]int),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}

	// single goroutine draining the queue
	go s.deliveryLoop()

	s.logf(logging.DInfo, "Network started, latency [%d, %d] ms, loss %.2f",
		opts.MinLatencyMs, opts.MaxLatencyMs, opts.MessageLossRate)
	return s, nil
}

// RegisterNode makes node reachable with an empty partition set. A second
// registration under the same id replaces the receiver and keeps its partitions.
func (s *Simulator) RegisterNode(node Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := node.ID()
	s.nodes[id] = node
	if _, ok := s.partitions[id]; !ok {
		s.partitions[id] = newPartitionSet()
	}
	s.logf(logging.DNet, "Registered node %d", id)
}

// Send queues msg for delivery from -> to. True means queued, not delivered.
func (s *Simulator) Send(msg raft.Message, from, to int) bool {
	atomic.AddInt64(&s.attempted, 1)
	if msg == nil {
		atomic.AddInt64(&s.unroutable, 1)
		return false
	}

	// encode outside the lock, a copy is all that travels
	payload, err := encoding.Marshal(wireMessage{Msg: msg})
	if err != nil {
		s.logf(logging.DError, "Encode %s %d->%d failed: %v", msg.Kind(), from, to, err)
		atomic.AddInt64(&s.unroutable, 1)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		atomic.AddInt64(&s.unroutable, 1)
		return false
	}
	_, fromOK := s.nodes[from]
	_, toOK := s.nodes[to]
	if !fromOK || !toOK {
		atomic.AddInt64(&s.unroutable, 1)
		s.logf(logging.DWarn, "Unknown route %d->%d for %s", from, to, msg.Kind())
		return false
	}
	if s.blockedNoLock(from, to) {
		atomic.AddInt64(&s.blocked, 1)
		s.logf(logging.DDrop, "%s %d->%d blocked by partition", msg.Kind(), from, to)
		return false
	}
	if s.rand.Float64() < s.opts.MessageLossRate {
		atomic.AddInt64(&s.lost, 1)
		s.logf(logging.DDrop, "%s %d->%d lost", msg.Kind(), from, to)
		return false
	}

	delay := s.latencyNoLock(from, to)
	env := &envelope{
		id:        uuid.New(),
		kind:      msg.Kind(),
		from:      from,
		to:        to,
		payload:   payload,
		deliverAt: time.Now().Add(delay),
	}
	s.queue = append(s.queue, env)
	atomic.AddInt64(&s.queued, 1)
	atomic.AddInt64(&s.bytes, int64(len(payload)))
	s.logf(logging.DDebug, "Queued %s %s %d->%d in %v", env.id, env.kind, from, to, delay)
	return true
}

func (s *Simulator) deliveryLoop() {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		s.deliverDue(time.Now())

		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

// deliverDue dispatches every due message from the head of the queue and
// stops at the first one that isn't due yet.
func (s *Simulator) deliverDue(now time.Time) {
	for {
		env, target, ok := s.popDue(now)
		if env == nil {
			return
		}
		if !ok {
			continue
		}
		s.inflight.Add(1)
		go s.deliver(target, env)
	}
}

// popDue removes the head if due. ok is false when it must be dropped.
func (s *Simulator) popDue(now time.Time) (*envelope, Receiver, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.queue) == 0 {
		return nil, nil, false
	}
	head := s.queue[0]
	if head.deliverAt.After(now) {
		return nil, nil, false
	}
	s.queue[0] = nil
	s.queue = s.queue[1:]

	// partitions formed after queueing still apply
	target, registered := s.nodes[head.to]
	if !registered || s.blockedNoLock(head.from, head.to) {
		atomic.AddInt64(&s.droppedAtDelivery, 1)
		s.logf(logging.DDrop, "Dropped %s %s %d->%d at delivery", head.id, head.kind, head.from, head.to)
		return head, nil, false
	}
	return head, target, true
}

func (s *Simulator) deliver(target Receiver, env *envelope) {
	defer s.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logf(logging.DError, "Delivery of %s %s %d->%d panicked: %v", env.id, env.kind, env.from, env.to, r)
		}
	}()

	var wire wireMessage
	if err := encoding.Unmarshal(env.payload, &wire); err != nil || wire.Msg == nil {
		atomic.AddInt64(&s.droppedAtDelivery, 1)
		s.logf(logging.DError, "Decode %s %s failed: %v", env.id, env.kind, err)
		return
	}

	atomic.AddInt64(&s.delivered, 1)
	s.logf(logging.DDebug, "Deliver %s %s %d->%d", env.id, env.kind, env.from, env.to)
	target.ReceiveMessage(wire.Msg, env.from)
}

// Shutdown stops the delivery loop and waits up to a second for it and any
// running delivery. Messages still queued are discarded. Safe to call twice.
func (s *Simulator) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := len(s.queue)
		s.queue = nil
		s.mu.Unlock()

		close(s.done)

		deadline := time.NewTimer(shutdownWait)
		defer deadline.Stop()

		select {
		case <-s.loopDone:
		case <-deadline.C:
			s.logf(logging.DWarn, "Delivery loop did not stop within %v", shutdownWait)
			return
		}

		drained := make(chan struct{})
		go func() {
			s.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-deadline.C:
			s.logf(logging.DWarn, "Deliveries still running after %v", shutdownWait)
		}
		s.logf(logging.DInfo, "Network stopped, %d queued messages discarded", pending)
	})
}

func (s *Simulator) Stats() Stats {
	return Stats{
		Attempted:         atomic.LoadInt64(&s.attempted),
		Queued:            atomic.LoadInt64(&s.queued),
		Lost:              atomic.LoadInt64(&s.lost),
		Blocked:           atomic.LoadInt64(&s.blocked),
		Unroutable:        atomic.LoadInt64(&s.unroutable),
		DroppedAtDelivery: atomic.LoadInt64(&s.droppedAtDelivery),
		Delivered:         atomic.LoadInt64(&s.delivered),
		Bytes:             atomic.LoadInt64(&s.bytes),
	}
}

// Pending returns how many messages wait in the queue.
func (s *Simulator) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Simulator) logf(topic logging.Topic, format string, a ...interface{}) {
	if !logging.Enabled(topic) {
		return
	}
	s.logger.Log(fmt.Sprintf("[Network] %v ", topic) + fmt.Sprintf(format, a...))
}
