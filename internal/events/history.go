package events

import (
	"slices"
	"time"
)

// Status is the outcome recorded for an event.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
	StatusEvicted   Status = "evicted"
)

// Record is one processing history entry.
type Record struct {
	EventID  string
	Type     string
	Priority Priority
	Status   Status
	Attempts int
	Err      string
	At       time.Time
}

// Stats are cumulative counters.
type Stats struct {
	Delivered int
	Failed    int
	Expired   int
	Evicted   int
	Pending   int
}

func (c *Coordinator) record(ev Event, st Status, err error) {
	c.mu.Lock()
	c.recordLocked(ev, st, err)
	c.mu.Unlock()
}

func (c *Coordinator) recordLocked(ev Event, st Status, err error) {
	r := Record{
		EventID:  ev.ID,
		Type:     ev.Type,
		Priority: ev.Priority,
		Status:   st,
		Attempts: ev.Attempts,
		At:       c.cfg.Now(),
	}
	if err != nil {
		r.Err = err.Error()
	}
	c.history = append(c.history, r)
	if n := len(c.history); n > c.cfg.HistorySize {
		c.history = slices.Clone(c.history[n-c.cfg.HistorySize:])
	}
	switch st {
	case StatusDelivered:
		c.stats.Delivered++
	case StatusFailed:
		c.stats.Failed++
	case StatusExpired:
		c.stats.Expired++
	case StatusEvicted:
		c.stats.Evicted++
	}
}

// History returns the most recent records, oldest first.
func (c *Coordinator) History() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

// Stats returns the counters and the current queue length.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Pending = c.queue.Len()
	return s
}
