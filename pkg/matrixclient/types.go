package matrixclient

import (
	"encoding/json"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// EventList is a list of undecoded events. Events stay raw so a single
// malformed event can be skipped without failing the whole response.
type EventList struct {
	Events []json.RawMessage `json:"events"`
}

type Timeline struct {
	EventList
	Limited   bool   `json:"limited"`
	PrevBatch string `json:"prev_batch"`
}

type UnreadNotifications struct {
	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
}

type RoomSummary struct {
	Heroes             []id.UserID `json:"m.heroes"`
	JoinedMemberCount  int         `json:"m.joined_member_count"`
	InvitedMemberCount int         `json:"m.invited_member_count"`
}

type SyncJoinedRoom struct {
	Summary             RoomSummary         `json:"summary"`
	State               EventList           `json:"state"`
	Timeline            Timeline            `json:"timeline"`
	Ephemeral           EventList           `json:"ephemeral"`
	AccountData         EventList           `json:"account_data"`
	UnreadNotifications UnreadNotifications `json:"unread_notifications"`
}

type SyncInvitedRoom struct {
	InviteState EventList `json:"invite_state"`
}

type SyncLeftRoom struct {
	State       EventList `json:"state"`
	Timeline    Timeline  `json:"timeline"`
	AccountData EventList `json:"account_data"`
}

type SyncRooms struct {
	Join   map[id.RoomID]*SyncJoinedRoom  `json:"join"`
	Invite map[id.RoomID]*SyncInvitedRoom `json:"invite"`
	Leave  map[id.RoomID]*SyncLeftRoom    `json:"leave"`
}

type RespSync struct {
	NextBatch   string    `json:"next_batch"`
	AccountData EventList `json:"account_data"`
	Presence    EventList `json:"presence"`
	Rooms       SyncRooms `json:"rooms"`
}

// ReqSync describes one /sync call. A zero Timeout returns immediately.
type ReqSync struct {
	Since   string
	Timeout time.Duration
	Filter  *mautrix.Filter
}

// ReqMessages describes one /messages call. Dir is "b" or "f".
type ReqMessages struct {
	From   string
	To     string
	Dir    string
	Limit  int
	Filter *mautrix.FilterPart
}

type RespMessages struct {
	Start string            `json:"start"`
	End   string            `json:"end"`
	Chunk []json.RawMessage `json:"chunk"`
	State []json.RawMessage `json:"state"`
}

type RespContext struct {
	Start        string            `json:"start"`
	End          string            `json:"end"`
	Event        json.RawMessage   `json:"event"`
	EventsBefore []json.RawMessage `json:"events_before"`
	EventsAfter  []json.RawMessage `json:"events_after"`
	State        []json.RawMessage `json:"state"`
}

type RespProfile struct {
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
}
