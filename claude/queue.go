package claude

import "encoding/json"

// QueuedMessage is a user message persisted with queued=true and not yet
// written to an agent.
type QueuedMessage struct {
	MessageID string
	Content   json.RawMessage
}

// MessageQueue is a per-session FIFO. It is not safe for concurrent use;
// the owning session actor serializes access.
type MessageQueue struct {
	items []QueuedMessage
}

// Enqueue appends m.
func (q *MessageQueue) Enqueue(m QueuedMessage) {
	q.items = append(q.items, m)
}

// Pop removes and returns the oldest message.
func (q *MessageQueue) Pop() (QueuedMessage, bool) {
	if len(q.items) == 0 {
		return QueuedMessage{}, false
	}
	m := q.items[0]
	q.items[0] = QueuedMessage{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return m, true
}

// Dequeue removes the message with the given id, reporting whether it was
// queued.
func (q *MessageQueue) Dequeue(messageID string) bool {
	for i, m := range q.items {
		if m.MessageID == messageID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the queue and returns what it held, oldest first.
func (q *MessageQueue) Clear() []QueuedMessage {
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued messages.
func (q *MessageQueue) Len() int {
	return len(q.items)
}
