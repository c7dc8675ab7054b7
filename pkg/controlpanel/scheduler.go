package controlpanel

import "time"

// Scheduler hands out poll slots round-robin. Each PD has a next eligible
// time one poll interval after it was last picked.
type Scheduler struct {
	interval time.Duration
	next     []time.Time
	cursor   int
}

// NewScheduler creates a scheduler for n PDs, all immediately eligible
func NewScheduler(n int, interval time.Duration) *Scheduler {
	return &Scheduler{interval: interval, next: make([]time.Time, n)}
}

// Len returns the number of scheduled PDs
func (s *Scheduler) Len() int { return len(s.next) }

// Next returns the first PD at or after the cursor whose eligible time has
// passed and for which ready returns true. The cursor moves past the pick
// so every PD gets a turn.
func (s *Scheduler) Next(now time.Time, ready func(i int) bool) (int, bool) {
	n := len(s.next)
	for k := 0; k < n; k++ {
		i := (s.cursor + k) % n
		if now.Before(s.next[i]) || !ready(i) {
			continue
		}
		s.next[i] = now.Add(s.interval)
		s.cursor = (i + 1) % n
		return i, true
	}
	return 0, false
}

// Reset makes PD i eligible immediately
func (s *Scheduler) Reset(i int) {
	s.next[i] = time.Time{}
}

// EligibleAt returns when PD i may next be picked
func (s *Scheduler) EligibleAt(i int) time.Time { return s.next[i] }
