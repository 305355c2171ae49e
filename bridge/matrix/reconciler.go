package matrix

import (
	"errors"

	"github.com/42wim/mxsync/bridge"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var ErrUnknownRoom = errors.New("unknown room")

const excerptWidth = 80

// Reconciler owns the room set. It is only used from the session control
// loop.
type Reconciler struct {
	me      id.UserID
	rooms   map[id.RoomID]*Room
	order   []id.RoomID
	active  id.RoomID
	members *MemberCache
	emit    func(*bridge.Event)
}

func NewReconciler(me id.UserID, members *MemberCache, emit func(*bridge.Event)) *Reconciler {
	return &Reconciler{
		me:      me,
		rooms:   make(map[id.RoomID]*Room),
		members: members,
		emit:    emit,
	}
}

func (r *Reconciler) Room(roomID id.RoomID) *Room {
	return r.rooms[roomID]
}

func (r *Reconciler) Rooms() []*Room {
	rooms := make([]*Room, 0, len(r.order))
	for _, roomID := range r.order {
		rooms = append(rooms, r.rooms[roomID])
	}

	return rooms
}

func (r *Reconciler) Infos() []*bridge.RoomInfo {
	infos := make([]*bridge.RoomInfo, 0, len(r.order))
	for _, room := range r.Rooms() {
		infos = append(infos, room.Info())
	}

	return infos
}

func (r *Reconciler) SetActive(roomID id.RoomID) {
	r.active = roomID
}

func (r *Reconciler) Active() id.RoomID {
	return r.active
}

func (r *Reconciler) add(room *Room) {
	if _, ok := r.rooms[room.ID]; !ok {
		r.order = append(r.order, room.ID)
	}

	r.rooms[room.ID] = room
	r.seedMembers(room)
}

func (r *Reconciler) seedMembers(room *Room) {
	if r.members == nil {
		return
	}

	for _, m := range room.Members {
		r.members.Put(*m)
	}
}

// Remove drops a room and tells the UI.
func (r *Reconciler) Remove(roomID id.RoomID) {
	if _, ok := r.rooms[roomID]; !ok {
		return
	}

	delete(r.rooms, roomID)

	for i, rid := range r.order {
		if rid == roomID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.emit(&bridge.Event{Type: bridge.EventRoomRemoved, Data: &bridge.RoomRemovedEvent{RoomID: roomID.String()}})
}

// leave handles a room that showed up in the leave section.
func (r *Reconciler) leave(room *Room) {
	if room.ID == r.active {
		r.active = ""
		r.emit(&bridge.Event{
			Type: bridge.EventActiveRoomLeft,
			Data: &bridge.ActiveRoomLeftEvent{RoomID: room.ID.String(), Reason: room.Membership.Reason.String()},
		})
	}

	r.Remove(room.ID)
}

// SetRooms installs the room list of an initial sync. With clear every
// known room is dropped and rebuilt from rooms.
func (r *Reconciler) SetRooms(rooms []*Room, clear bool, justJoined *Room) {
	if clear {
		r.rooms = make(map[id.RoomID]*Room)
		r.order = nil
	}

	for _, room := range rooms {
		if room.Membership.Kind == MembershipLeft {
			r.leave(room)
			continue
		}

		existing, ok := r.rooms[room.ID]
		if !ok {
			r.add(room)
			continue
		}

		existing.Merge(room)
		existing.Highlight = room.Highlight
		existing.Unread = room.Unread
		existing.Typing = room.Typing
		existing.Name = existing.ResolveName(r.me)
		r.seedMembers(room)
	}

	ev := &bridge.RoomsEvent{Rooms: r.Infos(), Cleared: clear}
	if justJoined != nil {
		ev.JustJoined = justJoined.ID.String()
		r.active = justJoined.ID
	}

	r.emit(&bridge.Event{Type: bridge.EventRooms, Data: ev})
}

// UpdateRooms merges the room snapshots of an incremental sync.
func (r *Reconciler) UpdateRooms(rooms []*Room) {
	for _, room := range rooms {
		if room.Membership.Kind == MembershipLeft {
			r.leave(room)
			continue
		}

		existing, ok := r.rooms[room.ID]
		if !ok {
			room.Name = room.ResolveName(r.me)
			r.add(room)
			r.emitRoom(room)
			r.emitMessages(room, room.Messages)

			continue
		}

		added := existing.Merge(room)
		existing.Name = existing.ResolveName(r.me)
		r.seedMembers(room)
		r.emitRoom(existing)
		r.emitMessages(existing, added)

		for eventID := range room.Receipts {
			r.emitReceipt(existing, eventID)
		}
	}
}

func (r *Reconciler) ApplyUnread(counts []UnreadCounts) {
	for _, c := range counts {
		room, ok := r.rooms[c.RoomID]
		if !ok {
			continue
		}

		room.Highlight = c.Highlight
		room.Unread = c.Unread

		r.emit(&bridge.Event{
			Type: bridge.EventUnread,
			Data: &bridge.UnreadEvent{RoomID: c.RoomID.String(), Highlight: c.Highlight, Unread: c.Unread},
		})
	}
}

func (r *Reconciler) ApplyTyping(snapshots []TypingSnapshot) {
	for _, t := range snapshots {
		room, ok := r.rooms[t.RoomID]
		if !ok {
			continue
		}

		room.SetTyping(t.Users, r.me)

		users := make([]*bridge.UserInfo, 0, len(room.Typing))
		for _, user := range room.Typing {
			users = append(users, r.userInfo(user))
		}

		r.emit(&bridge.Event{Type: bridge.EventTyping, Data: &bridge.TypingEvent{RoomID: t.RoomID.String(), Users: users}})
	}
}

// ApplyElements applies timeline state changes. Elements of rooms not
// known yet are skipped: the room snapshot carries them already.
func (r *Reconciler) ApplyElements(elements []RoomElement) {
	for _, el := range elements {
		room, ok := r.rooms[el.RoomID]
		if !ok {
			continue
		}

		switch ev := el.Event.(type) {
		case *RoomNameEvent:
			room.SetExplicitName(ev.Name)
		case *TopicEvent:
			room.SetTopic(ev.Topic)
		case *AvatarEvent:
			room.SetAvatar(ev.URL)
		case *MemberEvent:
			room.ApplyMember(ev)

			if ev.Membership == event.MembershipJoin && r.members != nil {
				r.members.Put(Member{UserID: ev.UserID, Alias: ev.DisplayName, Avatar: ev.AvatarURL})
			}
		case *RedactionEvent:
			if msg := room.Redact(ev.Redacts); msg != nil {
				r.emitMessages(room, []*Message{msg})
			}

			continue
		default:
			logger.WithFields(logrus.Fields{"room_id": el.RoomID, "kind": el.Kind}).Debug("ignoring room element")
			continue
		}

		room.Name = room.ResolveName(r.me)
		r.emitRoom(room)
	}
}

// UpdateRoom applies a local change to a room and tells the UI.
func (r *Reconciler) UpdateRoom(roomID id.RoomID, fn func(*Room)) error {
	room, ok := r.rooms[roomID]
	if !ok {
		return ErrUnknownRoom
	}

	fn(room)
	room.Name = room.ResolveName(r.me)
	r.emitRoom(room)

	return nil
}

// PrependHistory adds a page of older messages.
func (r *Reconciler) PrependHistory(res *BackfillResult) {
	room, ok := r.rooms[res.RoomID]
	if !ok {
		return
	}

	room.Backfilling = false

	if res.PrevBatch != "" {
		room.PrevBatch = res.PrevBatch
	}

	added := room.AddMessages(res.Messages)
	if len(added) > 0 {
		msgs := make([]*bridge.MessageEvent, 0, len(added))
		for _, msg := range added {
			msgs = append(msgs, r.messageEvent(msg))
		}

		r.emit(&bridge.Event{Type: bridge.EventHistory, Data: &bridge.HistoryEvent{RoomID: res.RoomID.String(), Messages: msgs}})
	}

	if res.End {
		room.NoMoreHistory = true
		r.emit(&bridge.Event{Type: bridge.EventHistoryEnd, Data: &bridge.HistoryEndEvent{RoomID: res.RoomID.String()}})
	}
}

// AddProvisional shows a locally composed message before it is sent.
func (r *Reconciler) AddProvisional(msg *Message) error {
	room, ok := r.rooms[msg.RoomID]
	if !ok {
		return ErrUnknownRoom
	}

	room.AddMessage(msg)
	r.emitMessages(room, []*Message{msg})

	return nil
}

// ConfirmSent gives the provisional message localID its event id.
func (r *Reconciler) ConfirmSent(roomID id.RoomID, localID string, eventID id.EventID) {
	room, ok := r.rooms[roomID]
	if !ok {
		return
	}

	msg := room.ProvisionalMessage(localID)
	if msg == nil {
		logger.WithFields(logrus.Fields{"room_id": roomID, "event_id": eventID}).Debug("confirmed message no longer in timeline")
		return
	}

	msg.ID = eventID
	msg.LocalID = ""
	room.attachReceipts(msg)

	r.emit(&bridge.Event{
		Type: bridge.EventMessageSent,
		Data: &bridge.MessageSentEvent{RoomID: roomID.String(), LocalID: localID, MessageID: eventID.String()},
	})
}

// Snapshot returns the persistable state. Provisional messages are left
// out.
func (r *Reconciler) Snapshot(since, username string, deviceID id.DeviceID) *Snapshot {
	s := &Snapshot{
		Since:    since,
		Username: username,
		UserID:   r.me,
		DeviceID: deviceID,
	}

	for _, room := range r.Rooms() {
		cp := *room
		cp.Messages = make([]*Message, 0, len(room.Messages))

		for _, msg := range room.Messages {
			if !msg.Provisional() {
				cp.Messages = append(cp.Messages, msg)
			}
		}

		s.Rooms = append(s.Rooms, &cp)
	}

	return s
}

// Restore installs rooms loaded from a snapshot without notifying.
func (r *Reconciler) Restore(s *Snapshot) {
	for _, room := range s.Rooms {
		if room.Receipts == nil {
			room.Receipts = make(map[id.EventID]map[id.UserID]int64)
		}

		r.add(room)
	}
}

func (r *Reconciler) userInfo(userID id.UserID) *bridge.UserInfo {
	if r.members == nil {
		return createUser(Member{UserID: userID}, r.me)
	}

	return r.members.UserInfo(userID, r.me)
}

func (r *Reconciler) messageEvent(msg *Message) *bridge.MessageEvent {
	messageID := msg.ID.String()
	if msg.Provisional() {
		messageID = msg.LocalID
	}

	return &bridge.MessageEvent{
		RoomID:    msg.RoomID.String(),
		MessageID: messageID,
		Sender:    r.userInfo(msg.Sender),
		Type:      string(msg.MsgType),
		Text:      msg.Body,
		Preview:   msg.Excerpt(excerptWidth),
		ParentID:  msg.InReplyTo.String(),
		Replaces:  msg.Replaces.String(),
		Redacted:  msg.Redacted,
		Timestamp: msg.Date,
	}
}

func (r *Reconciler) emitRoom(room *Room) {
	r.emit(&bridge.Event{Type: bridge.EventRoomUpdate, Data: &bridge.RoomUpdateEvent{Room: room.Info()}})
}

func (r *Reconciler) emitMessages(room *Room, msgs []*Message) {
	for _, msg := range msgs {
		// the sync echo of one of our sends replaced the provisional entry
		if msg.LocalID != "" && !msg.Provisional() {
			r.emit(&bridge.Event{
				Type: bridge.EventMessageSent,
				Data: &bridge.MessageSentEvent{RoomID: room.ID.String(), LocalID: msg.LocalID, MessageID: msg.ID.String()},
			})

			continue
		}

		r.emit(&bridge.Event{Type: bridge.EventMessage, Data: r.messageEvent(msg)})
	}
}

func (r *Reconciler) emitReceipt(room *Room, eventID id.EventID) {
	users := room.Receipts[eventID]
	receipts := make(map[string]int64, len(users))

	for user, ts := range users {
		receipts[user.String()] = ts
	}

	r.emit(&bridge.Event{
		Type: bridge.EventReceipt,
		Data: &bridge.ReceiptEvent{RoomID: room.ID.String(), MessageID: eventID.String(), Receipts: receipts},
	})
}
