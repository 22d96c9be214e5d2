package longlink

import (
	"time"

	"github.com/danmuck/imlink/internal/buffer"
)

// Outgoing is one frame waiting for the socket.
type Outgoing struct {
	CmdID    uint32
	TaskID   uint32
	Payload  *buffer.Buffer
	QueuedAt time.Time
}

// Queue is a FIFO of outgoing frames owned by a single link loop.
type Queue struct {
	items []Outgoing
}

func (q *Queue) Push(item Outgoing) {
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now()
	}
	q.items = append(q.items, item)
}

// Peek returns the head without removing it.
func (q *Queue) Peek() (Outgoing, bool) {
	if len(q.items) == 0 {
		return Outgoing{}, false
	}
	return q.items[0], true
}

func (q *Queue) Pop() (Outgoing, bool) {
	item, ok := q.Peek()
	if !ok {
		return Outgoing{}, false
	}
	q.items[0] = Outgoing{}
	q.items = q.items[1:]
	return item, true
}

func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) Clear() {
	q.items = nil
}
