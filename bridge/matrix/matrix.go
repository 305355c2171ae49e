package matrix

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/42wim/mxsync/bridge"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var ErrStopped = errors.New("session stopped")

// defaultTagOrder places a newly tagged room in the middle of its tag.
const defaultTagOrder = 0.5

// Matrix is one logged in session. A single goroutine (Run) owns the room
// set, the send queue and the sync cursor. Network calls run on worker
// goroutines which hand their results back through the actions channel.
type Matrix struct {
	api       API
	v         *viper.Viper
	cache     Cache
	eventChan chan *bridge.Event

	username string
	deviceID id.DeviceID

	syncer     *Syncer
	backfiller *Backfiller
	members    *MemberCache
	rooms      *Reconciler
	queue      *SendQueue

	actions chan func()
	quit    chan struct{}
	ctx     context.Context

	since       string
	retry       int
	joinTarget  string
	gen         int
	kickPending bool
}

var _ bridge.Session = (*Matrix)(nil)

func New(v *viper.Viper, api API, cache Cache, eventChan chan *bridge.Event) (*Matrix, error) {
	if v.GetBool("debug") {
		logger.Logger.SetLevel(logrus.DebugLevel)
	}

	if v.GetBool("trace") {
		logger.Logger.SetLevel(logrus.TraceLevel)
	}

	members, err := NewMemberCache(v.GetInt("cache.members"), api)
	if err != nil {
		return nil, err
	}

	m := &Matrix{
		api:        api,
		v:          v,
		cache:      cache,
		eventChan:  eventChan,
		username:   v.GetString("matrix.login"),
		deviceID:   id.DeviceID(v.GetString("matrix.deviceid")),
		syncer:     NewSyncer(api, v),
		backfiller: NewBackfiller(api, v),
		members:    members,
		queue:      NewSendQueue(v.GetDuration("send.retry")),
		actions:    make(chan func(), 64),
		quit:       make(chan struct{}),
		ctx:        context.Background(),
	}

	if m.username == "" {
		m.username = api.Me().String()
	}

	m.rooms = NewReconciler(api.Me(), members, m.emit)

	return m, nil
}

// Run restores the cached rooms, starts syncing and processes actions
// until ctx is done.
func (m *Matrix) Run(ctx context.Context) error {
	m.ctx = ctx
	defer close(m.quit)

	m.restore()
	m.startSync(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case action := <-m.actions:
			action()
		}
	}
}

// post queues fn on the control loop.
func (m *Matrix) post(fn func()) {
	select {
	case m.actions <- fn:
	case <-m.quit:
	}
}

// call runs fn on the control loop and waits for it.
func (m *Matrix) call(fn func()) error {
	done := make(chan struct{})

	select {
	case m.actions <- func() { fn(); close(done) }:
	case <-m.quit:
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-m.quit:
		return ErrStopped
	}
}

func (m *Matrix) emit(ev *bridge.Event) {
	select {
	case m.eventChan <- ev:
	case <-m.quit:
	}
}

func (m *Matrix) restore() {
	if m.cache == nil {
		return
	}

	s, err := m.cache.Load(m.username)
	if err != nil {
		logger.WithError(err).Error("loading room cache")
		return
	}

	if s == nil || s.UserID != m.api.Me() {
		return
	}

	m.since = s.Since
	m.rooms.Restore(s)

	logger.Infof("restored %d rooms from cache", len(s.Rooms))

	m.emit(&bridge.Event{Type: bridge.EventRooms, Data: &bridge.RoomsEvent{Rooms: m.rooms.Infos()}})
}

func (m *Matrix) store() {
	if m.cache == nil {
		return
	}

	if err := m.cache.Store(m.rooms.Snapshot(m.since, m.username, m.deviceID)); err != nil {
		logger.WithError(err).Error("storing room cache")
	}
}

func (m *Matrix) startSync(clear bool) {
	m.gen++
	gen := m.gen

	req := SyncRequest{
		Since:      m.since,
		JoinTarget: m.joinTarget,
		Initial:    clear || m.since == "",
		Retry:      m.retry,
	}
	if clear {
		req.Since = ""
	}

	go func() {
		out := m.syncer.Sync(m.ctx, req)
		m.post(func() { m.handleSync(gen, clear, out) })
	}()
}

func (m *Matrix) handleSync(gen int, clear bool, out *SyncOutcome) {
	if m.ctx.Err() != nil {
		return
	}

	// superseded by a Resync
	if gen != m.gen {
		logger.Debugf("dropping result of stale sync %d", gen)
		return
	}

	switch {
	case out.Retry != nil:
		m.retry = out.Retry.Count
		m.emit(&bridge.Event{
			Type: bridge.EventSyncFailed,
			Data: &bridge.SyncFailedEvent{Error: out.Retry.Err.Error(), Retry: out.Retry.Count, Wait: out.Retry.Wait},
		})
	case out.Initial != nil:
		m.retry = 0
		m.since = out.NextBatch

		if out.Initial.JustJoined != nil {
			m.joinTarget = ""
		}

		m.rooms.SetRooms(out.Initial.Rooms, clear, out.Initial.JustJoined)
		m.store()
	case out.Incremental != nil:
		m.retry = 0
		m.since = out.NextBatch

		inc := out.Incremental
		m.rooms.UpdateRooms(inc.Rooms)
		m.rooms.ApplyElements(inc.Elements)
		m.rooms.ApplyUnread(inc.Unread)
		m.rooms.ApplyTyping(inc.Typing)

		if inc.JustJoined != nil {
			m.joinTarget = ""
			m.rooms.SetActive(inc.JustJoined.ID)
			m.emit(&bridge.Event{
				Type: bridge.EventRooms,
				Data: &bridge.RoomsEvent{Rooms: m.rooms.Infos(), JustJoined: inc.JustJoined.ID.String()},
			})
		}

		if len(inc.Rooms) > 0 || len(inc.Elements) > 0 {
			m.store()
		}
	}

	m.startSync(false)
}

// Resync restarts syncing. With clear the room list is rebuilt from an
// initial sync. An in flight sync is not cancelled, its result is ignored.
func (m *Matrix) Resync(clear bool) {
	m.post(func() {
		m.retry = 0
		m.startSync(clear)
	})
}

func (m *Matrix) SetActiveRoom(roomID string) {
	m.post(func() {
		rid := id.RoomID(roomID)
		m.rooms.SetActive(rid)

		if room := m.rooms.Room(rid); room != nil {
			m.fetchProfiles(room)
		}
	})
}

// fetchProfiles loads the profiles of senders in room that no member
// event told us about.
func (m *Matrix) fetchProfiles(room *Room) {
	seen := make(map[id.UserID]bool)

	for _, msg := range room.Messages {
		if seen[msg.Sender] || room.Member(msg.Sender) != nil {
			continue
		}

		seen[msg.Sender] = true

		if _, ok := m.members.Peek(msg.Sender); ok {
			continue
		}

		userID, roomID := msg.Sender, room.ID

		go func() {
			if _, err := m.members.Get(m.ctx, userID); err != nil {
				logger.WithError(err).Debugf("fetching profile of %s", userID)
				return
			}

			m.post(func() {
				_ = m.rooms.UpdateRoom(roomID, func(*Room) {})
			})
		}()
	}
}

func (m *Matrix) Rooms() []*bridge.RoomInfo {
	var infos []*bridge.RoomInfo

	if err := m.call(func() { infos = m.rooms.Infos() }); err != nil {
		return nil
	}

	return infos
}

func (m *Matrix) Me() string {
	return m.api.Me().String()
}

// SendMessage queues a message and returns the local id of its provisional
// entry. localPath is uploaded first for media message types.
func (m *Matrix) SendMessage(roomID, msgType, body, localPath string) (string, error) {
	var (
		localID string
		err     error
	)

	cerr := m.call(func() {
		msg := NewMessage(id.RoomID(roomID), m.api.Me(), event.MessageType(msgType), body)
		msg.LocalPath = localPath

		if err = m.rooms.AddProvisional(msg); err != nil {
			return
		}

		m.queue.Push(msg)
		localID = msg.LocalID
		m.kickQueue()
	})
	if cerr != nil {
		return "", cerr
	}

	return localID, err
}

// kickQueue starts the next send step if nothing is outstanding.
func (m *Matrix) kickQueue() {
	msg, step := m.queue.Next()

	switch step {
	case StepNone:
		if d := m.queue.RetryIn(); d > 0 && !m.queue.Sending() && !m.kickPending {
			m.kickPending = true

			go func() {
				if err := sleepContext(m.ctx, d); err != nil {
					return
				}

				m.post(func() {
					m.kickPending = false
					m.kickQueue()
				})
			}()
		}
	case StepAttach:
		m.attach(msg)
	case StepSend:
		m.send(msg)
	}
}

func (m *Matrix) attach(msg *Message) {
	localID, path := msg.LocalID, msg.LocalPath

	go func() {
		uri, err := m.upload(path)
		m.post(func() {
			if err != nil {
				m.sendFailed(msg.RoomID, localID, err)
				return
			}

			m.queue.Attached(localID, uri)
			m.kickQueue()
		})
	}()
}

func (m *Matrix) upload(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return m.api.UploadMedia(m.ctx, contentType, filepath.Base(path), f, info.Size())
}

func (m *Matrix) send(msg *Message) {
	roomID, localID, txnID := msg.RoomID, msg.LocalID, msg.TxnID
	evType, content := msg.EventType(), msg.Content()

	go func() {
		eventID, err := m.api.SendMessageEvent(m.ctx, roomID, evType, txnID, content)
		m.post(func() {
			if err != nil {
				m.sendFailed(roomID, localID, err)
				return
			}

			m.queue.Confirm(localID, eventID)
			m.rooms.ConfirmSent(roomID, localID, eventID)
			m.kickQueue()
		})
	}()
}

func (m *Matrix) sendFailed(roomID id.RoomID, localID string, err error) {
	wait := m.queue.Fail(localID)

	logger.WithFields(logrus.Fields{"room_id": roomID, "wait": wait}).WithError(err).Warn("sending message failed")

	m.emit(&bridge.Event{
		Type: bridge.EventSendFailed,
		Data: &bridge.SendFailedEvent{RoomID: roomID.String(), LocalID: localID, Error: err.Error(), Wait: wait},
	})

	m.kickQueue()
}

// background runs fn on a worker. Failures are reported as
// action_failed, done runs on the control loop after success.
func (m *Matrix) background(action string, roomID id.RoomID, fn func(ctx context.Context) error, done func()) {
	go func() {
		err := fn(m.ctx)
		m.post(func() {
			if err != nil {
				logger.WithFields(logrus.Fields{"room_id": roomID, "action": action}).WithError(err).Error("action failed")
				m.emit(&bridge.Event{
					Type: bridge.EventActionFailed,
					Data: &bridge.ActionFailedEvent{Action: action, RoomID: roomID.String(), Error: err.Error()},
				})

				return
			}

			if done != nil {
				done()
			}
		})
	}()
}

// known runs fn on the control loop if roomID is a known room.
func (m *Matrix) known(roomID id.RoomID, fn func(room *Room)) error {
	var err error

	cerr := m.call(func() {
		room := m.rooms.Room(roomID)
		if room == nil {
			err = fmt.Errorf("%s: %w", roomID, ErrUnknownRoom)
			return
		}

		fn(room)
	})
	if cerr != nil {
		return cerr
	}

	return err
}

func (m *Matrix) Redact(roomID, eventID, reason string) error {
	rid, eid := id.RoomID(roomID), id.EventID(eventID)

	return m.known(rid, func(*Room) {
		txnID := m.api.NextTxnID()

		m.background("redact", rid, func(ctx context.Context) error {
			_, err := m.api.Redact(ctx, rid, eid, txnID, reason)
			return err
		}, func() {
			m.rooms.ApplyElements([]RoomElement{{
				Kind:   ElementRedaction,
				RoomID: rid,
				Event:  &RedactionEvent{EventHeader: EventHeader{RoomID: rid}, Redacts: eid, Reason: reason},
			}})
			m.store()
		})
	})
}

// LoadMore fetches one page of older messages. Only one load per room runs
// at a time.
func (m *Matrix) LoadMore(roomID string) error {
	rid := id.RoomID(roomID)

	var busy bool

	err := m.known(rid, func(room *Room) {
		if room.NoMoreHistory {
			m.emit(&bridge.Event{Type: bridge.EventHistoryEnd, Data: &bridge.HistoryEndEvent{RoomID: roomID}})
			return
		}

		if room.Backfilling {
			busy = true
			return
		}

		room.Backfilling = true

		req := BackfillRequest{RoomID: rid, PrevBatch: room.PrevBatch, Since: m.since}
		if oldest := room.Oldest(); oldest != nil {
			req.Oldest = oldest.ID
		}

		var res *BackfillResult

		m.background("load_more", rid, func(ctx context.Context) error {
			var err error
			res, err = m.backfiller.Fetch(ctx, req)

			if err != nil {
				m.post(func() {
					if room := m.rooms.Room(rid); room != nil {
						room.Backfilling = false
					}
				})
			}

			return err
		}, func() {
			m.rooms.PrependHistory(res)
			m.store()
		})
	})
	if err != nil {
		return err
	}

	if busy {
		return ErrBackfillBusy
	}

	return nil
}

// JoinRoom joins by id or alias. The room is reported through the rooms
// signal once a sync returns it, failures as join_failed.
func (m *Matrix) JoinRoom(roomIDOrAlias string) {
	m.post(func() {
		m.joinTarget = roomIDOrAlias

		go func() {
			roomID, err := m.api.JoinRoom(m.ctx, roomIDOrAlias)
			m.post(func() {
				if err != nil {
					logger.WithError(err).Errorf("joining %s", roomIDOrAlias)

					m.joinTarget = ""
					m.emit(&bridge.Event{
						Type: bridge.EventJoinFailed,
						Data: &bridge.JoinFailedEvent{Target: roomIDOrAlias, Error: err.Error()},
					})

					return
				}

				if m.joinTarget == roomIDOrAlias {
					m.joinTarget = roomID.String()
				}
			})
		}()
	})
}

func (m *Matrix) LeaveRoom(roomID string) error {
	rid := id.RoomID(roomID)

	return m.known(rid, func(*Room) {
		m.background("leave", rid, func(ctx context.Context) error {
			return m.api.LeaveRoom(ctx, rid)
		}, func() {
			m.queue.RemoveRoom(rid)

			if m.rooms.Active() == rid {
				m.rooms.SetActive("")
			}

			m.rooms.Remove(rid)
			m.store()
		})
	})
}

func (m *Matrix) setState(action string, roomID string, evType event.Type, content map[string]interface{}) error {
	rid := id.RoomID(roomID)

	return m.known(rid, func(*Room) {
		m.background(action, rid, func(ctx context.Context) error {
			_, err := m.api.SendStateEvent(ctx, rid, evType, "", content)
			return err
		}, nil)
	})
}

// SetRoomName changes the room name. The change shows up with the next
// sync.
func (m *Matrix) SetRoomName(roomID, name string) error {
	return m.setState("set_name", roomID, event.StateRoomName, map[string]interface{}{"name": name})
}

func (m *Matrix) SetRoomTopic(roomID, topic string) error {
	return m.setState("set_topic", roomID, event.StateTopic, map[string]interface{}{"topic": topic})
}

// SetRoomAvatar points the room avatar at an mxc URI.
func (m *Matrix) SetRoomAvatar(roomID, url string) error {
	return m.setState("set_avatar", roomID, event.StateRoomAvatar, map[string]interface{}{"url": url})
}

func (m *Matrix) AddTag(roomID, tag string) error {
	rid := id.RoomID(roomID)

	return m.known(rid, func(*Room) {
		m.background("add_tag", rid, func(ctx context.Context) error {
			return m.api.AddTag(ctx, rid, tag, defaultTagOrder)
		}, func() {
			_ = m.rooms.UpdateRoom(rid, func(room *Room) { room.SetTag(tag) })
			m.store()
		})
	})
}

// RemoveTag drops tag from the room. The local tag is only cleared when it
// is the one removed.
func (m *Matrix) RemoveTag(roomID, tag string) error {
	rid := id.RoomID(roomID)

	return m.known(rid, func(*Room) {
		m.background("remove_tag", rid, func(ctx context.Context) error {
			return m.api.RemoveTag(ctx, rid, tag)
		}, func() {
			_ = m.rooms.UpdateRoom(rid, func(room *Room) {
				if room.Membership.Tag == tag {
					room.SetTag("")
				}
			})
			m.store()
		})
	})
}

// MarkDirect adds roomID to the m.direct entry of userID.
func (m *Matrix) MarkDirect(roomID, userID string) error {
	rid, uid := id.RoomID(roomID), id.UserID(userID)

	if _, _, err := uid.Parse(); err != nil {
		return fmt.Errorf("invalid user id %q: %w", userID, err)
	}

	return m.known(rid, func(*Room) {
		m.background("mark_direct", rid, func(ctx context.Context) error {
			raw, err := m.api.DirectChats(ctx)
			if err != nil {
				return err
			}

			direct, err := DecodeDirect(raw)
			if err != nil {
				return err
			}

			for _, existing := range direct[uid] {
				if existing == rid {
					return nil
				}
			}

			direct[uid] = append(direct[uid], rid)

			return m.api.SetDirectChats(ctx, direct)
		}, func() {
			_ = m.rooms.UpdateRoom(rid, func(room *Room) { room.SetDirect(true) })
			m.store()
		})
	})
}
