package reducer

import (
	lru "github.com/hashicorp/golang-lru"

	"llm-jobqueue/internal/domain/model"
)

// Fingerprint identifies a job event by type, job id and status. Events that
// do not reference a job have none.
func Fingerprint(ev model.Event) (string, bool) {
	je, ok := ev.(model.JobEvent)
	if !ok {
		return "", false
	}
	return string(ev.Type()) + "|" + je.JobRef() + "|" + string(je.JobStatus()), true
}

// Dedup drops a job event whose fingerprint equals the last one processed,
// or, with a window, any fingerprint still in the window.
type Dedup struct {
	last   string
	window *lru.Cache
}

func NewDedup(window int) (*Dedup, error) {
	d := &Dedup{}
	if window > 0 {
		c, err := lru.New(window)
		if err != nil {
			return nil, err
		}
		d.window = c
	}
	return d, nil
}

// Seen records ev and reports whether it was already processed.
func (d *Dedup) Seen(ev model.Event) bool {
	fp, ok := Fingerprint(ev)
	if !ok {
		return false
	}
	if fp == d.last {
		return true
	}
	d.last = fp
	if d.window == nil {
		return false
	}
	if d.window.Contains(fp) {
		return true
	}
	d.window.Add(fp, struct{}{})
	return false
}
