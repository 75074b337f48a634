package gateway

import (
	"fmt"
	"sync"
	"time"
)

// Priority orders outbound messages. Lower values flush first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow

	priorityLevels = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// Admission is the outcome of offering a message to a Queue.
type Admission int

const (
	Admitted Admission = iota
	DroppedFull
	DroppedWatermark
	DroppedOversize
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case DroppedFull:
		return "queue_full"
	case DroppedWatermark:
		return "watermark"
	case DroppedOversize:
		return "oversize"
	default:
		return "unknown"
	}
}

const (
	DefaultQueueCapacity     = 1000
	DefaultMaxMessageBytes   = 64 * 1024
	DefaultHighWatermark     = 0.80
	DefaultCriticalWatermark = 0.95
	DefaultLowEvictions      = 5
)

// QueueConfig sizes a connection's outbound queue.
type QueueConfig struct {
	Capacity          int     `yaml:"capacity"`
	MaxMessageBytes   int     `yaml:"maxMessageBytes"`
	HighWatermark     float64 `yaml:"highWatermark"`
	CriticalWatermark float64 `yaml:"criticalWatermark"`
	LowEvictions      int     `yaml:"lowEvictions"`
}

// DefaultQueueConfig returns the stock queue sizing.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:          DefaultQueueCapacity,
		MaxMessageBytes:   DefaultMaxMessageBytes,
		HighWatermark:     DefaultHighWatermark,
		CriticalWatermark: DefaultCriticalWatermark,
		LowEvictions:      DefaultLowEvictions,
	}
}

func (c QueueConfig) normalize() QueueConfig {
	def := DefaultQueueConfig()
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	if c.HighWatermark <= 0 || c.HighWatermark > 1 {
		c.HighWatermark = def.HighWatermark
	}
	if c.CriticalWatermark <= 0 || c.CriticalWatermark > 1 {
		c.CriticalWatermark = def.CriticalWatermark
	}
	if c.CriticalWatermark < c.HighWatermark {
		c.CriticalWatermark = c.HighWatermark
	}
	if c.LowEvictions <= 0 {
		c.LowEvictions = def.LowEvictions
	}
	return c
}

// Validate reports configuration that normalize would silently rewrite.
func (c QueueConfig) Validate() error {
	if c.Capacity < 0 {
		return fmt.Errorf("queue capacity must be >= 0")
	}
	if c.HighWatermark < 0 || c.HighWatermark > 1 {
		return fmt.Errorf("high watermark must be within [0,1]")
	}
	if c.CriticalWatermark < 0 || c.CriticalWatermark > 1 {
		return fmt.Errorf("critical watermark must be within [0,1]")
	}
	if c.HighWatermark > 0 && c.CriticalWatermark > 0 && c.CriticalWatermark < c.HighWatermark {
		return fmt.Errorf("critical watermark must be >= high watermark")
	}
	return nil
}

// Outbound is an encoded message waiting to be written.
type Outbound struct {
	Payload  []byte
	Priority Priority
	Enqueued time.Time

	seq      uint64
	attempts int
}

// Eviction describes a queued message removed to make room for another.
type Eviction struct {
	Priority Priority
}

// QueueStats is a point-in-time view of a queue.
type QueueStats struct {
	Length             int    `json:"length"`
	Queued             uint64 `json:"queued"`
	Dropped            uint64 `json:"dropped"`
	BackpressureEvents uint64 `json:"backpressure_events"`
	Backpressured      bool   `json:"backpressured"`
}

// Queue is a bounded outbound queue with one FIFO per priority tier. Admission never
// blocks.
type Queue struct {
	cfg      QueueConfig
	high     int
	critical int

	mu            sync.Mutex
	tiers         [priorityLevels][]*Outbound
	length        int
	nextSeq       uint64
	backpressured bool
	queued        uint64
	dropped       uint64
	bpEvents      uint64
}

// NewQueue builds a queue from cfg, filling unset fields with defaults.
func NewQueue(cfg QueueConfig) *Queue {
	cfg = cfg.normalize()
	return &Queue{
		cfg:      cfg,
		high:     watermark(cfg.Capacity, cfg.HighWatermark),
		critical: watermark(cfg.Capacity, cfg.CriticalWatermark),
	}
}

func watermark(capacity int, fraction float64) int {
	n := int(float64(capacity) * fraction)
	if n < 1 {
		n = 1
	}
	if n > capacity {
		n = capacity
	}
	return n
}

// Config returns the normalized configuration.
func (q *Queue) Config() QueueConfig { return q.cfg }

// Offer applies the admission policy to payload and reports the outcome together with
// any messages evicted to make room.
func (q *Queue) Offer(payload []byte, priority Priority, now time.Time) (Admission, []Eviction) {
	if !priority.valid() {
		priority = PriorityNormal
	}
	if len(payload) > q.cfg.MaxMessageBytes {
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		return DroppedOversize, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted []Eviction
	switch n := q.length; {
	case n >= q.cfg.Capacity:
		q.dropped++
		return DroppedFull, nil
	case n >= q.critical:
		if priority != PriorityCritical {
			q.dropped++
			return DroppedWatermark, nil
		}
		if ev, ok := q.evictOldestNonCritical(); ok {
			evicted = append(evicted, ev)
		}
	case n >= q.high:
		if priority == PriorityLow {
			q.dropped++
			return DroppedWatermark, nil
		}
		for i := 0; i < q.cfg.LowEvictions; i++ {
			if !q.evictFront(PriorityLow) {
				break
			}
			evicted = append(evicted, Eviction{Priority: PriorityLow})
		}
	}

	q.nextSeq++
	q.tiers[priority] = append(q.tiers[priority], &Outbound{
		Payload:  payload,
		Priority: priority,
		Enqueued: now,
		seq:      q.nextSeq,
	})
	q.length++
	q.queued++
	q.updateBackpressure()
	return Admitted, evicted
}

// Discard counts a message lost before it reached the queue.
func (q *Queue) Discard() {
	q.mu.Lock()
	q.dropped++
	q.mu.Unlock()
}

// evictOldestNonCritical drops the queued non-critical message with the lowest sequence.
func (q *Queue) evictOldestNonCritical() (Eviction, bool) {
	victim := Priority(-1)
	var oldest uint64
	for p := PriorityHigh; p <= PriorityLow; p++ {
		tier := q.tiers[p]
		if len(tier) == 0 {
			continue
		}
		if victim < 0 || tier[0].seq < oldest {
			victim = p
			oldest = tier[0].seq
		}
	}
	if victim < 0 {
		return Eviction{}, false
	}
	q.evictFront(victim)
	return Eviction{Priority: victim}, true
}

func (q *Queue) evictFront(p Priority) bool {
	tier := q.tiers[p]
	if len(tier) == 0 {
		return false
	}
	tier[0] = nil
	q.tiers[p] = tier[1:]
	q.length--
	q.dropped++
	return true
}

// PopBatch removes up to max messages, highest priority first and FIFO within a tier.
func (q *Queue) PopBatch(max int) []*Outbound {
	if max <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Outbound, 0, min(max, q.length))
	for p := PriorityCritical; p <= PriorityLow && len(out) < max; p++ {
		tier := q.tiers[p]
		take := min(max-len(out), len(tier))
		if take == 0 {
			continue
		}
		out = append(out, tier[:take]...)
		clear(tier[:take])
		q.tiers[p] = tier[take:]
		q.length -= take
	}
	q.updateBackpressure()
	return out
}

// Requeue puts a message that failed to send back at the front of its tier. It reports
// false when the message has used up maxAttempts and was dropped instead.
func (q *Queue) Requeue(msg *Outbound, maxAttempts int) bool {
	if msg == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	msg.attempts++
	if msg.attempts > maxAttempts || q.length >= q.cfg.Capacity {
		q.dropped++
		return false
	}
	tier := q.tiers[msg.Priority]
	q.tiers[msg.Priority] = append([]*Outbound{msg}, tier...)
	q.length++
	q.updateBackpressure()
	return true
}

// Restore puts unsent messages back at the front of their tiers in their original order
// without counting an attempt. Messages that no longer fit are dropped; the count is returned.
func (q *Queue) Restore(msgs []*Outbound) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg == nil {
			continue
		}
		if q.length >= q.cfg.Capacity {
			q.dropped++
			dropped++
			continue
		}
		q.tiers[msg.Priority] = append([]*Outbound{msg}, q.tiers[msg.Priority]...)
		q.length++
	}
	q.updateBackpressure()
	return dropped
}

// Attempts reports how many failed sends msg has seen.
func (m *Outbound) Attempts() int { return m.attempts }

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// Backpressured reports whether the queue is at or above the high watermark.
func (q *Queue) Backpressured() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backpressured
}

// Stats returns counters and the current length.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Length:             q.length,
		Queued:             q.queued,
		Dropped:            q.dropped,
		BackpressureEvents: q.bpEvents,
		Backpressured:      q.backpressured,
	}
}

// updateBackpressure must be called with q.mu held.
func (q *Queue) updateBackpressure() {
	over := q.length >= q.high
	if over && !q.backpressured {
		q.bpEvents++
	}
	q.backpressured = over
}
