package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/guido-cesarano/dispatchq/pkg/metrics"
)

// Throughput windows reported by Stats.
var throughputWindows = []struct {
	label string
	span  time.Duration
}{
	{"1m", time.Minute},
	{"5m", 5 * time.Minute},
	{"15m", 15 * time.Minute},
}

// Stats is a snapshot of queue counters and sizes.
type Stats struct {
	Name           string             `json:"name"`
	Enqueued       int64              `json:"enqueued"`
	Dequeued       int64              `json:"dequeued"`
	Completed      int64              `json:"completed"`
	Failed         int64              `json:"failed"`
	Size           int64              `json:"size"`
	SizeByPriority map[string]int64   `json:"size_by_priority"`
	Processing     int64              `json:"processing"`
	Throughput     map[string]float64 `json:"throughput_per_second"`
}

// Stats reads the shared counters, list sizes and processing-set size, and adds the
// dequeue throughput this process observed over the last 1, 5 and 15 minutes.
// Store errors are logged and the affected fields left at zero.
func (q *PriorityQueue) Stats(ctx context.Context) Stats {
	stats := Stats{
		Name:           q.name,
		SizeByPriority: make(map[string]int64),
		Throughput:     make(map[string]float64, len(throughputWindows)),
	}

	counters, err := q.rdb.HGetAll(ctx, q.statsKey()).Result()
	if err != nil {
		q.log.Error().Err(err).Msg("Failed to read queue counters")
	}
	stats.Enqueued = parseCounter(counters["enqueued"])
	stats.Dequeued = parseCounter(counters["dequeued"])
	stats.Completed = parseCounter(counters[StateCompleted])
	stats.Failed = parseCounter(counters[StateFailed])

	for p, n := range q.SizeByPriority(ctx) {
		stats.SizeByPriority[p.String()] = n
		stats.Size += n
		metrics.QueueDepth.WithLabelValues(q.listKey(p)).Set(float64(n))
	}

	if n, err := q.rdb.SCard(ctx, q.processingKey()).Result(); err == nil {
		stats.Processing = n
		metrics.QueueDepth.WithLabelValues(q.processingKey()).Set(float64(n))
	} else {
		q.log.Error().Err(err).Msg("Failed to read processing set size")
	}

	for _, w := range throughputWindows {
		stats.Throughput[w.label] = q.window.rate(w.span)
	}
	return stats
}

func parseCounter(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// windowSeconds is the longest span the throughput window can report on.
const windowSeconds = 15 * 60

// throughputWindow counts dequeues in one-second buckets over a ring of
// windowSeconds slots. A slot is reused once its stamp falls out of the ring.
type throughputWindow struct {
	mu     sync.Mutex
	now    func() time.Time
	counts [windowSeconds]int64
	stamps [windowSeconds]int64
}

func newThroughputWindow(now func() time.Time) *throughputWindow {
	return &throughputWindow{now: now}
}

func (w *throughputWindow) record() {
	w.mu.Lock()
	defer w.mu.Unlock()

	sec := w.now().Unix()
	i := sec % windowSeconds
	if w.stamps[i] != sec {
		w.stamps[i] = sec
		w.counts[i] = 0
	}
	w.counts[i]++
}

// rate returns events per second over the trailing span.
func (w *throughputWindow) rate(span time.Duration) float64 {
	seconds := int64(span / time.Second)
	if seconds <= 0 {
		return 0
	}
	if seconds > windowSeconds {
		seconds = windowSeconds
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now().Unix()
	from := now - seconds + 1
	var total int64
	for i := range w.stamps {
		if w.stamps[i] >= from && w.stamps[i] <= now {
			total += w.counts[i]
		}
	}
	return float64(total) / float64(seconds)
}

func (w *throughputWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counts = [windowSeconds]int64{}
	w.stamps = [windowSeconds]int64{}
}
