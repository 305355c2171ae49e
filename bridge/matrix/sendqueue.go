package matrix

import (
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type SendStep int

const (
	StepNone SendStep = iota
	// StepAttach uploads the local file of the message first.
	StepAttach
	StepSend
)

type sendState int

const (
	statePending sendState = iota
	stateAttaching
	stateInFlight
	stateFailed
)

type outgoing struct {
	msg     *Message
	state   sendState
	retryAt time.Time
}

// SendQueue is the FIFO of provisional messages. At most one item is
// attaching or in flight at any time.
type SendQueue struct {
	items      []*outgoing
	sending    bool
	retryDelay time.Duration
	now        func() time.Time
}

func NewSendQueue(retryDelay time.Duration) *SendQueue {
	return &SendQueue{
		retryDelay: retryDelay,
		now:        time.Now,
	}
}

func (q *SendQueue) Push(msg *Message) {
	q.items = append(q.items, &outgoing{msg: msg})
}

func (q *SendQueue) Len() int {
	return len(q.items)
}

// Sending reports whether a send or upload is outstanding.
func (q *SendQueue) Sending() bool {
	return q.sending
}

func needsAttach(msg *Message) bool {
	if msg.LocalPath == "" || msg.URL != "" {
		return false
	}

	switch msg.MsgType {
	case event.MsgImage, event.MsgFile, event.MsgAudio, event.MsgVideo:
		return true
	}

	return false
}

// Next claims the head of the queue and returns the step to run for it.
// It returns StepNone when a send is outstanding, the queue is empty or
// the head is waiting for its retry.
func (q *SendQueue) Next() (*Message, SendStep) {
	if q.sending || len(q.items) == 0 {
		return nil, StepNone
	}

	head := q.items[0]
	if head.state == stateFailed {
		if q.now().Before(head.retryAt) {
			return nil, StepNone
		}

		head.state = statePending
	}

	q.sending = true

	if needsAttach(head.msg) {
		head.state = stateAttaching
		return head.msg, StepAttach
	}

	head.state = stateInFlight

	return head.msg, StepSend
}

func (q *SendQueue) find(localID string) (int, *outgoing) {
	for i, item := range q.items {
		if item.msg.LocalID == localID {
			return i, item
		}
	}

	return -1, nil
}

// Attached records the uploaded content uri. The message goes back to
// pending and is sent on the next call to Next.
func (q *SendQueue) Attached(localID, url string) {
	q.sending = false

	if _, item := q.find(localID); item != nil {
		item.msg.URL = url
		item.msg.ThumbnailURL = url
		item.state = statePending
	}
}

// Confirm removes the message from the queue and gives it its event id.
// It returns nil when the message was dropped meanwhile.
func (q *SendQueue) Confirm(localID string, eventID id.EventID) *Message {
	q.sending = false

	i, item := q.find(localID)
	if item == nil {
		return nil
	}

	q.items = append(q.items[:i], q.items[i+1:]...)
	item.msg.ID = eventID

	return item.msg
}

// Fail keeps the message queued and schedules it for a retry. It returns
// the delay.
func (q *SendQueue) Fail(localID string) time.Duration {
	q.sending = false

	if _, item := q.find(localID); item != nil {
		item.state = stateFailed
		item.retryAt = q.now().Add(q.retryDelay)
		sendRetries.Inc()
	}

	return q.retryDelay
}

// RetryIn returns how long until the head may be sent again, zero when it
// can go now.
func (q *SendQueue) RetryIn() time.Duration {
	if len(q.items) == 0 || q.items[0].state != stateFailed {
		return 0
	}

	if d := q.items[0].retryAt.Sub(q.now()); d > 0 {
		return d
	}

	return 0
}

// RemoveRoom drops every queued message of roomID.
func (q *SendQueue) RemoveRoom(roomID id.RoomID) {
	kept := q.items[:0]

	for _, item := range q.items {
		if item.msg.RoomID != roomID {
			kept = append(kept, item)
		}
	}

	q.items = kept
}
