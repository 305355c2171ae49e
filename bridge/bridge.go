package bridge

import (
	"time"
)

// Session is the set of operations a UI layer drives on a logged-in
// account. Results and failures come back as Events.
type Session interface {
	Resync(clear bool)
	SetActiveRoom(roomID string)

	SendMessage(roomID, msgType, body, localPath string) (string, error)
	Redact(roomID, eventID, reason string) error
	LoadMore(roomID string) error

	JoinRoom(roomIDOrAlias string)
	LeaveRoom(roomID string) error
	SetRoomName(roomID, name string) error
	SetRoomTopic(roomID, topic string) error
	SetRoomAvatar(roomID, url string) error
	AddTag(roomID, tag string) error
	RemoveTag(roomID, tag string) error
	MarkDirect(roomID, userID string) error

	Rooms() []*RoomInfo
	Me() string
}

// Event types emitted on the session event channel.
const (
	EventRooms          = "rooms"
	EventRoomUpdate     = "room_update"
	EventRoomRemoved    = "room_removed"
	EventActiveRoomLeft = "active_room_left"
	EventMessage        = "message"
	EventMessageSent    = "message_sent"
	EventHistory        = "history"
	EventHistoryEnd     = "history_end"
	EventTyping         = "typing"
	EventReceipt        = "receipt"
	EventUnread         = "unread"
	EventSyncFailed     = "sync_failed"
	EventSendFailed     = "send_failed"
	EventJoinFailed     = "join_failed"
	EventActionFailed   = "action_failed"
)

type Event struct {
	Type string
	Data interface{}
}

type RoomInfo struct {
	ID         string
	Name       string
	Topic      string
	Avatar     string
	Alias      string
	Membership string
	Tag        string
	Inviter    string
	Direct     bool
	Highlight  int
	Unread     int
}

type UserInfo struct {
	User        string
	DisplayName string
	Avatar      string
	Me          bool
}

// RoomsEvent carries the full room list after an initial sync or a
// clear-and-replace refresh. JustJoined is set when a pending join target
// appeared in the list.
type RoomsEvent struct {
	Rooms      []*RoomInfo
	JustJoined string
	Cleared    bool
}

type RoomUpdateEvent struct {
	Room *RoomInfo
}

type RoomRemovedEvent struct {
	RoomID string
}

type ActiveRoomLeftEvent struct {
	RoomID string
	Reason string
}

type MessageEvent struct {
	RoomID    string
	MessageID string
	Sender    *UserInfo
	Type      string
	Text      string
	Preview   string
	ParentID  string
	Replaces  string
	Redacted  bool
	Timestamp time.Time
}

// MessageSentEvent swaps the provisional entry LocalID for the confirmed
// MessageID.
type MessageSentEvent struct {
	RoomID    string
	LocalID   string
	MessageID string
}

type HistoryEvent struct {
	RoomID   string
	Messages []*MessageEvent
}

type HistoryEndEvent struct {
	RoomID string
}

type TypingEvent struct {
	RoomID string
	Users  []*UserInfo
}

type ReceiptEvent struct {
	RoomID    string
	MessageID string
	Receipts  map[string]int64
}

type UnreadEvent struct {
	RoomID    string
	Highlight int
	Unread    int
}

type SyncFailedEvent struct {
	Error string
	Retry int
	Wait  time.Duration
}

type SendFailedEvent struct {
	RoomID  string
	LocalID string
	Error   string
	Wait    time.Duration
}

type JoinFailedEvent struct {
	Target string
	Error  string
}

type ActionFailedEvent struct {
	Action string
	RoomID string
	Error  string
}
