package bandwidth

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Category enumerates the traffic categories spec.md §6 names.
type Category string

const (
	CategoryPeerProtocol Category = "peer:protocol"
	CategoryPeerPayload  Category = "peer:payload"
	CategoryTrackerHTTP  Category = "tracker:http"
	CategoryTrackerUDP   Category = "tracker:udp"
	CategoryDHT          Category = "dht"
)

// Direction distinguishes inbound from outbound samples.
type Direction string

const (
	DirectionDown Direction = "down"
	DirectionUp   Direction = "up"
)

const bucketWidth = time.Second

// sample is one (bucket-time, byte-count) entry in a category's ring.
type sample struct {
	bucket time.Time
	bytes  int64
}

// ring is a tiered fixed-capacity ring buffer of one-second byte-count
// buckets; "tiered" in the sense that callers query arbitrary windows
// by summing however many trailing buckets the window covers, rather
// than maintaining separate per-resolution tiers outright (spec.md §3
// names the tiering as an exposition detail of getRate/getSamples, not
// a storage-format requirement).
type ring struct {
	buf   []sample
	head  int
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 3600
	}
	return &ring{buf: make([]sample, capacity)}
}

func (r *ring) add(ts time.Time, n int64) {
	bucket := ts.Truncate(bucketWidth)
	if r.count > 0 {
		last := &r.buf[(r.head+r.count-1)%len(r.buf)]
		if last.bucket.Equal(bucket) {
			last.bytes += n
			return
		}
	}
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = sample{bucket: bucket, bytes: n}
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

// since returns, oldest-first, every sample with bucket >= from.
func (r *ring) since(from time.Time) []sample {
	out := make([]sample, 0, r.count)
	for i := 0; i < r.count; i++ {
		s := r.buf[(r.head+i)%len(r.buf)]
		if !s.bucket.Before(from) {
			out = append(out, s)
		}
	}
	return out
}

// RrdHistory is the per-(category,direction) rolling-window counter
// described in spec.md §3.
type RrdHistory struct {
	mu   sync.Mutex
	ring *ring
}

// NewRrdHistory returns a history with room for capacitySeconds of
// one-second buckets (default one hour).
func NewRrdHistory(capacitySeconds int) *RrdHistory {
	return &RrdHistory{ring: newRing(capacitySeconds)}
}

func (h *RrdHistory) record(ts time.Time, n int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring.add(ts, n)
}

// rate returns the average bytes/sec over the trailing windowMs.
func (h *RrdHistory) rate(now time.Time, windowMs int64) float64 {
	if windowMs <= 0 {
		return 0
	}
	from := now.Add(-time.Duration(windowMs) * time.Millisecond).Truncate(bucketWidth)

	h.mu.Lock()
	samples := h.ring.since(from)
	h.mu.Unlock()

	var total int64
	for _, s := range samples {
		total += s.bytes
	}
	return float64(total) / (float64(windowMs) / 1000.0)
}

// samples returns up to maxPoints (bucket-time, byte-count) pairs in
// [from, to], oldest first, for UI sparkline export.
func (h *RrdHistory) samples(from, to time.Time, maxPoints int) []Sample {
	h.mu.Lock()
	raw := h.ring.since(from)
	h.mu.Unlock()

	out := make([]Sample, 0, len(raw))
	for _, s := range raw {
		if s.bucket.After(to) {
			continue
		}
		out = append(out, Sample{Time: s.bucket, Bytes: s.bytes})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })

	if maxPoints > 0 && len(out) > maxPoints {
		out = downsample(out, maxPoints)
	}
	return out
}

func downsample(in []Sample, maxPoints int) []Sample {
	stride := (len(in) + maxPoints - 1) / maxPoints
	out := make([]Sample, 0, maxPoints)
	for i := 0; i < len(in); i += stride {
		end := i + stride
		if end > len(in) {
			end = len(in)
		}
		var sum int64
		for _, s := range in[i:end] {
			sum += s.Bytes
		}
		out = append(out, Sample{Time: in[i].Time, Bytes: sum})
	}
	return out
}

// Sample is one exported (time, bytes) point.
type Sample struct {
	Time  time.Time
	Bytes int64
}

// Tracker is the per-torrent BandwidthTracker of spec.md §4.10: it
// fans record() calls out into per-(category,direction) RrdHistory
// ring buffers for windowed rate queries, and additionally exposes
// cumulative lifetime totals as a prometheus CounterVec so the rest of
// the process's metrics surface can scrape them alongside everything
// else instrumented that way.
type Tracker struct {
	torrentLabel string

	mu         sync.RWMutex
	histories  map[Category]map[Direction]*RrdHistory
	cumulative *prometheus.CounterVec
}

// NewTracker returns a Tracker for one torrent (identified by
// torrentLabel, typically the hex info-hash, used only as a metric
// label). reg may be nil to skip Prometheus registration (e.g. in
// tests, or when a process runs multiple engines sharing one registry
// and registration happens once at startup).
func NewTracker(torrentLabel string, reg prometheus.Registerer) *Tracker {
	t := &Tracker{
		torrentLabel: torrentLabel,
		histories:    make(map[Category]map[Direction]*RrdHistory),
		cumulative: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torrentengine_bandwidth_bytes_total",
			Help: "Cumulative bytes observed per torrent, category, and direction.",
		}, []string{"torrent", "category", "direction"}),
	}
	for _, cat := range []Category{CategoryPeerProtocol, CategoryPeerPayload, CategoryTrackerHTTP, CategoryTrackerUDP, CategoryDHT} {
		t.histories[cat] = map[Direction]*RrdHistory{
			DirectionDown: NewRrdHistory(3600),
			DirectionUp:   NewRrdHistory(3600),
		}
	}
	if reg != nil {
		reg.MustRegister(t.cumulative)
	}
	return t
}

// Record appends n bytes of traffic in category/direction at ts. A
// zero ts uses time.Now.
func (t *Tracker) Record(category Category, n int64, direction Direction, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	t.mu.RLock()
	h := t.histories[category][direction]
	t.mu.RUnlock()
	if h == nil {
		return
	}
	h.record(ts, n)
	t.cumulative.WithLabelValues(t.torrentLabel, string(category), string(direction)).Add(float64(n))
}

// GetRate returns bytes/sec over the trailing windowMs for one
// direction, aggregated across categories. If categories is empty, all
// categories are summed except peer:payload, which is a subset of
// peer:protocol (spec.md §4.10).
func (t *Tracker) GetRate(direction Direction, windowMs int64, categories ...Category) float64 {
	now := time.Now()
	if len(categories) == 0 {
		categories = t.allExceptPayload()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var total float64
	for _, cat := range categories {
		if h := t.histories[cat][direction]; h != nil {
			total += h.rate(now, windowMs)
		}
	}
	return total
}

// GetSamples returns per-category sample series in [from, to], summed
// across the requested categories into a single combined series (the
// "All" aggregation excludes peer:payload per spec.md §4.10, same rule
// as GetRate).
func (t *Tracker) GetSamples(direction Direction, categories []Category, from, to time.Time, maxPoints int) []Sample {
	if len(categories) == 0 {
		categories = t.allExceptPayload()
	}

	t.mu.RLock()
	histories := make([]*RrdHistory, 0, len(categories))
	for _, cat := range categories {
		if h := t.histories[cat][direction]; h != nil {
			histories = append(histories, h)
		}
	}
	t.mu.RUnlock()

	merged := make(map[time.Time]int64)
	for _, h := range histories {
		for _, s := range h.samples(from, to, 0) {
			merged[s.Time] += s.Bytes
		}
	}

	out := make([]Sample, 0, len(merged))
	for ts, n := range merged {
		out = append(out, Sample{Time: ts, Bytes: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })

	if maxPoints > 0 && len(out) > maxPoints {
		out = downsample(out, maxPoints)
	}
	return out
}

func (t *Tracker) allExceptPayload() []Category {
	return []Category{CategoryPeerProtocol, CategoryTrackerHTTP, CategoryTrackerUDP, CategoryDHT}
}
