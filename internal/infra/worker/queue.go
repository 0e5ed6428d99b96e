package worker

import (
	"sort"
	"time"

	"llm-jobqueue/internal/domain/model"
)

type entry struct {
	job        *model.Job
	seq        uint64
	enqueuedAt time.Time
}

// jobQueue orders pending jobs by priority (lower first) and then by
// admission order. With aging enabled a waiting job's effective priority
// improves by one per full aging interval, floored at the minimum.
//
// Not safe for concurrent use; the dispatcher guards it.
type jobQueue struct {
	min, max int
	aging    time.Duration
	bands    [][]*entry // index = priority - min, FIFO per band
	size     int
	seq      uint64
}

func newJobQueue(min, max int, aging time.Duration) *jobQueue {
	if max < min {
		max = min
	}
	return &jobQueue{
		min:   min,
		max:   max,
		aging: aging,
		bands: make([][]*entry, max-min+1),
	}
}

func (q *jobQueue) band(priority int) int {
	switch {
	case priority < q.min:
		priority = q.min
	case priority > q.max:
		priority = q.max
	}
	return priority - q.min
}

func (q *jobQueue) push(j *model.Job, now time.Time) {
	q.seq++
	b := q.band(j.Priority)
	q.bands[b] = append(q.bands[b], &entry{job: j, seq: q.seq, enqueuedAt: now})
	q.size++
}

func (q *jobQueue) effective(e *entry, now time.Time) int {
	p := q.min + q.band(e.job.Priority)
	if q.aging > 0 {
		p -= int(now.Sub(e.enqueuedAt) / q.aging)
		if p < q.min {
			p = q.min
		}
	}
	return p
}

// before reports whether a dispatches ahead of b.
func (q *jobQueue) before(a, b *entry, now time.Time) bool {
	pa, pb := q.effective(a, now), q.effective(b, now)
	if pa != pb {
		return pa < pb
	}
	return a.seq < b.seq
}

// pop removes the next job to dispatch. Only band heads need comparing: inside
// a band the head is the oldest entry, so it has both the lowest sequence and
// the largest age boost.
func (q *jobQueue) pop(now time.Time) (*model.Job, bool) {
	best := -1
	for i, band := range q.bands {
		if len(band) == 0 {
			continue
		}
		if best < 0 || q.before(band[0], q.bands[best][0], now) {
			best = i
		}
	}
	if best < 0 {
		return nil, false
	}
	head := q.bands[best][0]
	q.bands[best][0] = nil
	q.bands[best] = q.bands[best][1:]
	q.size--
	return head.job, true
}

func (q *jobQueue) len() int { return q.size }

func (q *jobQueue) has(jobID string) bool {
	for _, band := range q.bands {
		for _, e := range band {
			if e.job.ID == jobID {
				return true
			}
		}
	}
	return false
}

// position returns the 1-based dispatch position of jobID, or 0 if absent.
func (q *jobQueue) position(jobID string, now time.Time) int {
	all := q.ordered(now)
	for i, e := range all {
		if e.job.ID == jobID {
			return i + 1
		}
	}
	return 0
}

// ordered returns a snapshot of pending entries in dispatch order.
func (q *jobQueue) ordered(now time.Time) []*entry {
	all := make([]*entry, 0, q.size)
	for _, band := range q.bands {
		all = append(all, band...)
	}
	sort.SliceStable(all, func(i, j int) bool { return q.before(all[i], all[j], now) })
	return all
}
