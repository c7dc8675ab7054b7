package pd

import "github.com/dbehnke/osdp-nexus/pkg/protocol"

// commandQueue is a bounded FIFO of pending user commands
type commandQueue struct {
	items []protocol.Command
	limit int
}

func newCommandQueue(limit int) *commandQueue {
	return &commandQueue{limit: limit}
}

func (q *commandQueue) push(c protocol.Command) error {
	if len(q.items) >= q.limit {
		return ErrQueueFull
	}
	q.items = append(q.items, c)
	return nil
}

func (q *commandQueue) pop() (protocol.Command, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	c := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return c, true
}

func (q *commandQueue) len() int { return len(q.items) }

func (q *commandQueue) clear() []protocol.Command {
	items := q.items
	q.items = nil
	return items
}
