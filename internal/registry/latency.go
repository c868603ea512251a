package registry

import "time"

const defaultLatencySamples = 50

// latencyRing keeps the most recent round-trip samples. Not safe for concurrent use on its own;
// Connection guards it with its mutex.
type latencyRing struct {
	samples []time.Duration
	next    int
	full    bool
}

func newLatencyRing(size int) *latencyRing {
	if size <= 0 {
		size = defaultLatencySamples
	}
	return &latencyRing{samples: make([]time.Duration, size)}
}

func (r *latencyRing) add(d time.Duration) {
	r.samples[r.next] = d
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

func (r *latencyRing) len() int {
	if r.full {
		return len(r.samples)
	}
	return r.next
}

// values returns samples oldest first.
func (r *latencyRing) values() []time.Duration {
	n := r.len()
	out := make([]time.Duration, 0, n)
	if r.full {
		out = append(out, r.samples[r.next:]...)
	}
	return append(out, r.samples[:r.next]...)
}

func (r *latencyRing) mean() time.Duration {
	n := r.len()
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range r.values() {
		sum += v
	}
	return sum / time.Duration(n)
}
