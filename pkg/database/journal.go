package database

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/logger"
	"github.com/dbehnke/osdp-nexus/pkg/pd"
	"github.com/dbehnke/osdp-nexus/pkg/protocol"
)

const (
	journalBuffer     = 1024
	journalBatchSize  = 64
	journalFlushEvery = 250 * time.Millisecond
)

// Journal persists PD events and state transitions off the control panel's
// goroutine. Record calls never block; when the buffer is full the record is
// dropped and counted.
type Journal struct {
	events      *EventRepository
	transitions *TransitionRepository
	log         *logger.Logger

	in      chan any
	dropped atomic.Uint64
}

// NewJournal creates a journal writing through db
func NewJournal(db *DB, log *logger.Logger) *Journal {
	if log == nil {
		log = logger.Nop()
	}
	return &Journal{
		events:      db.Events(),
		transitions: db.Transitions(),
		log:         log.WithComponent("journal"),
		in:          make(chan any, journalBuffer),
	}
}

// RecordEvent queues an event reported by the PD at index
func (j *Journal) RecordEvent(index int, ev pd.Event) {
	j.push(NewEventRecord(index, ev))
}

// RecordTransition queues a state change of the PD at index
func (j *Journal) RecordTransition(index int, tr pd.Transition) {
	j.push(NewStateTransition(index, tr))
}

// Dropped reports how many records were discarded because the buffer was full
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

func (j *Journal) push(rec any) {
	select {
	case j.in <- rec:
	default:
		if j.dropped.Add(1) == 1 {
			j.log.Warn("journal buffer full, dropping records")
		}
	}
}

// Run writes queued records in batches until ctx is cancelled, then flushes
// what is still buffered.
func (j *Journal) Run(ctx context.Context) error {
	ticker := time.NewTicker(journalFlushEvery)
	defer ticker.Stop()

	var evs []EventRecord
	var trs []StateTransition

	flush := func() {
		if err := j.events.CreateBatch(evs); err != nil {
			j.log.Error("failed to write events", logger.Int("count", len(evs)), logger.Error(err))
		}
		if err := j.transitions.CreateBatch(trs); err != nil {
			j.log.Error("failed to write transitions", logger.Int("count", len(trs)), logger.Error(err))
		}
		evs, trs = evs[:0], trs[:0]
	}
	add := func(rec any) {
		switch r := rec.(type) {
		case EventRecord:
			evs = append(evs, r)
		case StateTransition:
			trs = append(trs, r)
		}
	}

	for {
		select {
		case rec := <-j.in:
			add(rec)
			if len(evs)+len(trs) >= journalBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case rec := <-j.in:
					add(rec)
				default:
					flush()
					return ctx.Err()
				}
			}
		}
	}
}

// NewEventRecord converts a PD event to its stored form
func NewEventRecord(index int, ev pd.Event) EventRecord {
	rec := EventRecord{
		PDIndex:    index,
		Address:    ev.Address,
		Kind:       ev.Kind.String(),
		Tag:        ev.Kind.Tag(),
		OccurredAt: ev.Time,
	}
	if ev.Reply != nil {
		rec.Reply = protocol.ReplyName(ev.Reply.Code())
		if b, err := json.Marshal(ev.Reply); err == nil {
			rec.Detail = string(b)
		}
	}
	if ev.Command != nil {
		rec.Command = protocol.CommandName(ev.Command.Code())
	}
	if ev.Kind == pd.EventCommandNak {
		rec.Nak = ev.Nak.String()
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	return rec
}

// NewStateTransition converts a session transition to its stored form
func NewStateTransition(index int, tr pd.Transition) StateTransition {
	rec := StateTransition{
		PDIndex:    index,
		Address:    tr.Address,
		FromState:  tr.From.String(),
		ToState:    tr.To.String(),
		OccurredAt: tr.At,
	}
	if tr.Reason != nil {
		rec.Reason = tr.Reason.Error()
	}
	return rec
}
