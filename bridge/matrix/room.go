package matrix

import (
	"fmt"
	"sort"

	"github.com/42wim/mxsync/bridge"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type MembershipKind string

const (
	MembershipNone    MembershipKind = "none"
	MembershipJoined  MembershipKind = "joined"
	MembershipInvited MembershipKind = "invited"
	MembershipLeft    MembershipKind = "left"
)

// Well known room tags. Any other tag name is a custom tag.
const (
	TagFavourite   = "m.favourite"
	TagLowPriority = "m.lowpriority"
)

// LeftReason is set on rooms the user was kicked from.
type LeftReason struct {
	Kicker id.UserID `json:"kicker"`
	Reason string    `json:"reason"`
}

func (r *LeftReason) String() string {
	if r == nil {
		return "none"
	}

	return fmt.Sprintf("kicked by %s with reason %s", r.Kicker, r.Reason)
}

type Membership struct {
	Kind    MembershipKind `json:"kind"`
	Tag     string         `json:"tag,omitempty"`
	Inviter *Member        `json:"inviter,omitempty"`
	Reason  *LeftReason    `json:"reason,omitempty"`
}

type Member struct {
	UserID id.UserID `json:"user_id"`
	Alias  string    `json:"alias,omitempty"`
	Avatar string    `json:"avatar,omitempty"`
}

func (m *Member) DisplayName() string {
	if m.Alias != "" {
		return m.Alias
	}

	return m.UserID.String()
}

type roomField uint16

const (
	fieldName roomField = 1 << iota
	fieldTopic
	fieldAvatar
	fieldAlias
	fieldPower
	fieldTag
	fieldDirect
	fieldPrevBatch
)

type Room struct {
	ID           id.RoomID    `json:"id"`
	ExplicitName string       `json:"explicit_name,omitempty"`
	Name         string       `json:"name"`
	Topic        string       `json:"topic,omitempty"`
	Avatar       string       `json:"avatar,omitempty"`
	Alias        id.RoomAlias `json:"alias,omitempty"`
	Membership   Membership   `json:"membership"`
	Direct       bool         `json:"direct,omitempty"`

	Members           []*Member         `json:"members,omitempty"`
	PowerLevels       map[id.UserID]int `json:"power_levels,omitempty"`
	DefaultPowerLevel int               `json:"default_power_level"`

	Messages  []*Message                         `json:"messages,omitempty"`
	PrevBatch string                             `json:"prev_batch,omitempty"`
	Typing    []id.UserID                        `json:"-"`
	Receipts  map[id.EventID]map[id.UserID]int64 `json:"receipts,omitempty"`

	Highlight int `json:"highlight"`
	Unread    int `json:"unread"`

	NoMoreHistory bool `json:"no_more_history,omitempty"`
	Backfilling   bool `json:"-"`

	memberIdx map[id.UserID]int
	seen      roomField
}

func NewRoom(roomID id.RoomID) *Room {
	return &Room{
		ID:                roomID,
		Membership:        Membership{Kind: MembershipNone},
		DefaultPowerLevel: -1,
		Receipts:          make(map[id.EventID]map[id.UserID]int64),
	}
}

func (r *Room) SetExplicitName(name string) {
	r.ExplicitName = name
	r.seen |= fieldName
}

func (r *Room) SetTopic(topic string) {
	r.Topic = topic
	r.seen |= fieldTopic
}

func (r *Room) SetAvatar(url string) {
	r.Avatar = url
	r.seen |= fieldAvatar
}

func (r *Room) SetAlias(alias id.RoomAlias) {
	r.Alias = alias
	r.seen |= fieldAlias
}

func (r *Room) SetTag(tag string) {
	r.Membership.Tag = tag
	r.seen |= fieldTag
}

func (r *Room) SetDirect(direct bool) {
	r.Direct = direct
	r.seen |= fieldDirect
}

func (r *Room) SetPrevBatch(token string) {
	r.PrevBatch = token
	r.seen |= fieldPrevBatch
}

// SetPowerLevels replaces the power level map with the content of the
// latest m.room.power_levels event.
func (r *Room) SetPowerLevels(users map[id.UserID]int, usersDefault int) {
	r.PowerLevels = make(map[id.UserID]int, len(users))
	for user, level := range users {
		r.PowerLevels[user] = level
	}

	r.DefaultPowerLevel = usersDefault
	r.seen |= fieldPower
}

// PowerLevel returns the level of user, or the room default.
func (r *Room) PowerLevel(user id.UserID) int {
	if level, ok := r.PowerLevels[user]; ok {
		return level
	}

	return r.DefaultPowerLevel
}

func (r *Room) indexMembers() {
	if r.memberIdx != nil && len(r.memberIdx) == len(r.Members) {
		return
	}

	r.memberIdx = make(map[id.UserID]int, len(r.Members))
	for i, m := range r.Members {
		r.memberIdx[m.UserID] = i
	}
}

func (r *Room) Member(user id.UserID) *Member {
	r.indexMembers()

	if i, ok := r.memberIdx[user]; ok {
		return r.Members[i]
	}

	return nil
}

// AddMember inserts or updates a member, keeping first seen order.
func (r *Room) AddMember(m *Member) {
	r.indexMembers()

	if i, ok := r.memberIdx[m.UserID]; ok {
		if m.Alias != "" {
			r.Members[i].Alias = m.Alias
		}

		if m.Avatar != "" {
			r.Members[i].Avatar = m.Avatar
		}

		return
	}

	r.memberIdx[m.UserID] = len(r.Members)
	r.Members = append(r.Members, m)
}

func (r *Room) RemoveMember(user id.UserID) {
	r.indexMembers()

	i, ok := r.memberIdx[user]
	if !ok {
		return
	}

	r.Members = append(r.Members[:i], r.Members[i+1:]...)
	r.memberIdx = nil
}

// ApplyMember folds a membership state event into the member list.
func (r *Room) ApplyMember(ev *MemberEvent) {
	switch ev.Membership {
	case event.MembershipJoin:
		r.AddMember(&Member{UserID: ev.UserID, Alias: ev.DisplayName, Avatar: ev.AvatarURL})
	case event.MembershipLeave, event.MembershipBan:
		r.RemoveMember(ev.UserID)
	}
}

// ResolveName computes the display name: explicit name, then canonical
// alias, then one derived from the other members.
func (r *Room) ResolveName(me id.UserID) string {
	if r.ExplicitName != "" {
		return r.ExplicitName
	}

	if r.Alias != "" {
		return r.Alias.String()
	}

	others := make([]*Member, 0, 3)

	for _, m := range r.Members {
		if m.UserID == me {
			continue
		}

		others = append(others, m)
		if len(others) == 3 {
			break
		}
	}

	switch len(others) {
	case 0:
		return "Empty Room"
	case 1:
		return others[0].DisplayName()
	case 2:
		return others[0].DisplayName() + " and " + others[1].DisplayName()
	default:
		return others[0].DisplayName() + " and Others"
	}
}

// AddMessage inserts msg in timestamp order. It returns false when the
// message was already present. A confirmed message replaces the
// provisional one with the same transaction id in place, keeping its
// LocalID.
func (r *Room) AddMessage(msg *Message) bool {
	for i, cur := range r.Messages {
		if msg.ID != "" && cur.ID == msg.ID {
			return false
		}

		if msg.ID != "" && cur.Provisional() && msg.TxnID != "" && cur.TxnID == msg.TxnID {
			msg.LocalID = cur.LocalID
			r.Messages[i] = msg
			r.attachReceipts(msg)

			return true
		}
	}

	i := sort.Search(len(r.Messages), func(i int) bool {
		return r.Messages[i].Date.After(msg.Date)
	})

	r.Messages = append(r.Messages, nil)
	copy(r.Messages[i+1:], r.Messages[i:])
	r.Messages[i] = msg
	r.attachReceipts(msg)

	return true
}

// AddMessages adds msgs and returns the ones that were new.
func (r *Room) AddMessages(msgs []*Message) []*Message {
	added := make([]*Message, 0, len(msgs))

	for _, msg := range msgs {
		if r.AddMessage(msg) {
			added = append(added, msg)
		}
	}

	return added
}

func (r *Room) Message(eventID id.EventID) *Message {
	for _, msg := range r.Messages {
		if msg.ID == eventID {
			return msg
		}
	}

	return nil
}

// ProvisionalMessage finds a not yet confirmed message by its LocalID.
func (r *Room) ProvisionalMessage(localID string) *Message {
	for _, msg := range r.Messages {
		if msg.LocalID == localID {
			return msg
		}
	}

	return nil
}

// Oldest returns the oldest confirmed message, if any.
func (r *Room) Oldest() *Message {
	for _, msg := range r.Messages {
		if !msg.Provisional() {
			return msg
		}
	}

	return nil
}

// Redact blanks the message with eventID. The message keeps its position.
func (r *Room) Redact(eventID id.EventID) *Message {
	msg := r.Message(eventID)
	if msg != nil {
		msg.Redact()
	}

	return msg
}

// ApplyReceipts merges receipts into the room. Receipts for events not in
// the timeline yet are kept and attached when the message arrives.
func (r *Room) ApplyReceipts(receipts map[id.EventID]map[id.UserID]int64) {
	if r.Receipts == nil {
		r.Receipts = make(map[id.EventID]map[id.UserID]int64)
	}

	for eventID, users := range receipts {
		if r.Receipts[eventID] == nil {
			r.Receipts[eventID] = make(map[id.UserID]int64, len(users))
		}

		for user, ts := range users {
			r.Receipts[eventID][user] = ts
		}

		if msg := r.Message(eventID); msg != nil {
			r.attachReceipts(msg)
		}
	}
}

func (r *Room) attachReceipts(msg *Message) {
	users, ok := r.Receipts[msg.ID]
	if !ok || msg.ID == "" {
		return
	}

	if msg.Receipts == nil {
		msg.Receipts = make(map[id.UserID]int64, len(users))
	}

	for user, ts := range users {
		msg.Receipts[user] = ts
	}
}

// SetTyping replaces the typing set, leaving out me.
func (r *Room) SetTyping(users []id.UserID, me id.UserID) {
	r.Typing = r.Typing[:0]

	for _, user := range users {
		if user != me {
			r.Typing = append(r.Typing, user)
		}
	}
}

// Merge folds an update built from a later sync batch into r and returns
// the messages that were new.
func (r *Room) Merge(u *Room) []*Message {
	if u.seen&fieldName != 0 {
		r.ExplicitName = u.ExplicitName
	}

	if u.seen&fieldTopic != 0 {
		r.Topic = u.Topic
	}

	if u.seen&fieldAvatar != 0 {
		r.Avatar = u.Avatar
	}

	if u.seen&fieldAlias != 0 {
		r.Alias = u.Alias
	}

	if u.seen&fieldTag != 0 {
		r.Membership.Tag = u.Membership.Tag
	}

	if u.seen&fieldDirect != 0 {
		r.Direct = u.Direct
	}

	if u.seen&fieldPower != 0 {
		r.PowerLevels = u.PowerLevels
		r.DefaultPowerLevel = u.DefaultPowerLevel
	}

	if u.seen&fieldPrevBatch != 0 && r.PrevBatch == "" {
		r.PrevBatch = u.PrevBatch
	}

	r.Membership.Kind = u.Membership.Kind
	r.Membership.Inviter = u.Membership.Inviter
	r.Membership.Reason = u.Membership.Reason

	for _, m := range u.Members {
		r.AddMember(m)
	}

	added := r.AddMessages(u.Messages)
	r.ApplyReceipts(u.Receipts)

	return added
}

func (r *Room) Info() *bridge.RoomInfo {
	info := &bridge.RoomInfo{
		ID:         r.ID.String(),
		Name:       r.Name,
		Topic:      r.Topic,
		Avatar:     r.Avatar,
		Alias:      r.Alias.String(),
		Membership: string(r.Membership.Kind),
		Tag:        r.Membership.Tag,
		Direct:     r.Direct,
		Highlight:  r.Highlight,
		Unread:     r.Unread,
	}

	if r.Membership.Inviter != nil {
		info.Inviter = r.Membership.Inviter.DisplayName()
	}

	return info
}
