package matrix

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/42wim/mxsync/pkg/matrixclient"
	"github.com/davecgh/go-spew/spew"
	"github.com/desertbit/timer"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const incrementalTimelineLimit = 50

// SyncRequest is one step of the sync loop.
type SyncRequest struct {
	Since string
	// JoinTarget is a room id or alias the user is joining. When it shows
	// up in the response it is reported as JustJoined.
	JoinTarget string
	Initial    bool
	Retry      int
}

// SyncOutcome holds exactly one of Initial, Incremental or Retry.
type SyncOutcome struct {
	NextBatch   string
	Initial     *InitialSync
	Incremental *IncrementalSync
	Retry       *SyncRetry
}

type InitialSync struct {
	Rooms      []*Room
	JustJoined *Room
}

// IncrementalSync holds independent deltas, they can be applied in any
// order.
type IncrementalSync struct {
	Rooms      []*Room
	Unread     []UnreadCounts
	Typing     []TypingSnapshot
	Elements   []RoomElement
	JustJoined *Room
}

type UnreadCounts struct {
	RoomID    id.RoomID
	Highlight int
	Unread    int
}

type TypingSnapshot struct {
	RoomID id.RoomID
	Users  []id.UserID
}

type ElementKind string

const (
	ElementName      ElementKind = "name"
	ElementTopic     ElementKind = "topic"
	ElementAvatar    ElementKind = "avatar"
	ElementMember    ElementKind = "member"
	ElementRedaction ElementKind = "redaction"
)

// RoomElement is a non message state change seen in a room timeline.
type RoomElement struct {
	Kind   ElementKind
	RoomID id.RoomID
	Event  Event
}

type SyncRetry struct {
	Count int
	Wait  time.Duration
	Err   error
}

type Syncer struct {
	api          API
	timeout      time.Duration
	initialLimit int
	backoff      *backoff.Backoff
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewSyncer(api API, v *viper.Viper) *Syncer {
	maxRetry := v.GetDuration("sync.maxretry")
	if maxRetry < v.GetDuration("sync.retry") {
		maxRetry = v.GetDuration("sync.retry")
	}

	return &Syncer{
		api:          api,
		timeout:      v.GetDuration("sync.timeout"),
		initialLimit: v.GetInt("sync.initiallimit"),
		backoff: &backoff.Backoff{
			Min:    v.GetDuration("sync.retry"),
			Max:    maxRetry,
			Factor: 2,
			Jitter: false,
		},
		sleep: sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := timer.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// roomStateTypes are the state events requested on initial sync.
var roomStateTypes = []event.Type{
	event.StateRoomName,
	event.StateTopic,
	event.StateRoomAvatar,
	event.StateCanonicalAlias,
	event.StateMember,
	event.StatePowerLevels,
}

var allTypes = []event.Type{{Type: "*"}}

func (s *Syncer) Filter(initial bool) *mautrix.Filter {
	if !initial {
		return &mautrix.Filter{
			Room: mautrix.RoomFilter{
				Timeline: mautrix.FilterPart{
					Limit: incrementalTimelineLimit,
				},
			},
		}
	}

	return &mautrix.Filter{
		Presence: mautrix.FilterPart{NotTypes: allTypes},
		Room: mautrix.RoomFilter{
			Timeline: mautrix.FilterPart{
				Limit: s.initialLimit,
			},
			State: mautrix.FilterPart{
				Types:           roomStateTypes,
				LazyLoadMembers: true,
			},
			Ephemeral: mautrix.FilterPart{NotTypes: allTypes},
		},
	}
}

// OnFailedSync returns how long to wait before retrying. Rate limited
// requests back off exponentially, everything else waits the base delay.
func (s *Syncer) OnFailedSync(err error, retry int) time.Duration {
	if matrixclient.IsRateLimited(err) {
		return s.backoff.ForAttempt(float64(retry))
	}

	return s.backoff.Min
}

// Sync performs one sync request and classifies the response. It never
// returns an error: failures come back as a Retry outcome after the wait
// has elapsed.
func (s *Syncer) Sync(ctx context.Context, req SyncRequest) *SyncOutcome {
	initial := req.Initial || req.Since == ""

	sreq := &matrixclient.ReqSync{
		Since:  req.Since,
		Filter: s.Filter(initial),
	}
	if !initial {
		sreq.Timeout = s.timeout
	}

	resp, err := s.api.Sync(ctx, sreq)
	if err != nil {
		syncRequests.WithLabelValues("failed").Inc()

		wait := s.OnFailedSync(err, req.Retry)
		logger.WithFields(logrus.Fields{"retry": req.Retry, "wait": wait}).WithError(err).Warn("sync failed")

		if serr := s.sleep(ctx, wait); serr != nil {
			logger.Debugf("sync retry wait interrupted: %s", serr)
		}

		return &SyncOutcome{Retry: &SyncRetry{Count: req.Retry + 1, Wait: wait, Err: err}}
	}

	syncRequests.WithLabelValues("ok").Inc()
	logger.Tracef("sync response %s", spew.Sdump(resp))

	return s.ProcessResponse(resp, req, initial)
}

func (s *Syncer) ProcessResponse(resp *matrixclient.RespSync, req SyncRequest, initial bool) *SyncOutcome {
	me := s.api.Me()
	direct, haveDirect := directRooms(resp.AccountData.Events)
	out := &SyncOutcome{NextBatch: resp.NextBatch}

	if initial {
		rooms := BuildRooms(resp, me, direct, haveDirect)
		out.Initial = &InitialSync{
			Rooms:      rooms,
			JustJoined: findRoom(rooms, req.JoinTarget),
		}

		return out
	}

	inc := &IncrementalSync{}

	for _, roomID := range sortedJoined(resp.Rooms.Join) {
		jr := resp.Rooms.Join[roomID]

		room, elements, typing := buildJoinedRoom(roomID, jr, me, direct, haveDirect)
		inc.Rooms = append(inc.Rooms, room)
		inc.Elements = append(inc.Elements, elements...)
		inc.Typing = append(inc.Typing, TypingSnapshot{RoomID: roomID, Users: typing})
		inc.Unread = append(inc.Unread, UnreadCounts{
			RoomID:    roomID,
			Highlight: jr.UnreadNotifications.HighlightCount,
			Unread:    jr.UnreadNotifications.NotificationCount,
		})
	}

	inc.Rooms = append(inc.Rooms, buildLeftRooms(resp, me)...)
	inc.Rooms = append(inc.Rooms, buildInvitedRooms(resp, me)...)
	inc.JustJoined = findRoom(inc.Rooms, req.JoinTarget)
	out.Incremental = inc

	return out
}

func findRoom(rooms []*Room, target string) *Room {
	if target == "" {
		return nil
	}

	for _, r := range rooms {
		if r.Membership.Kind != MembershipJoined {
			continue
		}

		if r.ID.String() == target || (r.Alias != "" && r.Alias.String() == target) {
			return r
		}
	}

	return nil
}

func sortedJoined(join map[id.RoomID]*matrixclient.SyncJoinedRoom) []id.RoomID {
	ids := make([]id.RoomID, 0, len(join))
	for roomID := range join {
		ids = append(ids, roomID)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// directRooms reads the global m.direct account data. The bool is false
// when the response carries no m.direct event.
func directRooms(raws []json.RawMessage) (map[id.RoomID]bool, bool) {
	for _, ev := range DecodeEvents(raws, "") {
		d, ok := ev.(*DirectEvent)
		if !ok {
			continue
		}

		direct := make(map[id.RoomID]bool)

		for _, rooms := range d.Rooms {
			for _, roomID := range rooms {
				direct[roomID] = true
			}
		}

		return direct, true
	}

	return nil, false
}

// BuildRooms classifies every room of a sync response. A room in the join
// section is never also built from the leave or invite section.
func BuildRooms(resp *matrixclient.RespSync, me id.UserID, direct map[id.RoomID]bool, haveDirect bool) []*Room {
	rooms := make([]*Room, 0, len(resp.Rooms.Join)+len(resp.Rooms.Leave)+len(resp.Rooms.Invite))

	for _, roomID := range sortedJoined(resp.Rooms.Join) {
		jr := resp.Rooms.Join[roomID]

		room, _, typing := buildJoinedRoom(roomID, jr, me, direct, haveDirect)
		room.SetTyping(typing, me)
		room.Highlight = jr.UnreadNotifications.HighlightCount
		room.Unread = jr.UnreadNotifications.NotificationCount
		rooms = append(rooms, room)
	}

	rooms = append(rooms, buildLeftRooms(resp, me)...)
	rooms = append(rooms, buildInvitedRooms(resp, me)...)

	return rooms
}

//nolint:funlen,gocyclo
func buildJoinedRoom(roomID id.RoomID, jr *matrixclient.SyncJoinedRoom, me id.UserID, direct map[id.RoomID]bool, haveDirect bool) (*Room, []RoomElement, []id.UserID) {
	room := NewRoom(roomID)
	room.Membership.Kind = MembershipJoined

	if haveDirect {
		room.SetDirect(direct[roomID])
	}

	if jr.Timeline.PrevBatch != "" {
		room.SetPrevBatch(jr.Timeline.PrevBatch)
	}

	// state changes between two syncs may arrive in the state section
	// only, they are elements just like timeline ones
	elements := applyState(room, DecodeEvents(jr.State.Events, roomID), true)
	elements = append(elements, applyState(room, DecodeEvents(jr.Timeline.Events, roomID), true)...)

	for _, ev := range DecodeEvents(jr.AccountData.Events, roomID) {
		switch ev := ev.(type) {
		case *TagEvent:
			room.SetTag(pickTag(ev.Tags))
		case *FullyReadEvent:
			room.ApplyReceipts(map[id.EventID]map[id.UserID]int64{ev.EventID: {me: 0}})
		default:
			logger.WithFields(logrus.Fields{"room_id": roomID, "type": Header(ev).Type}).Debug("ignoring room account data")
		}
	}

	var (
		typing      []id.UserID
		sawReceipts bool
	)

	for _, ev := range DecodeEvents(jr.Ephemeral.Events, roomID) {
		switch ev := ev.(type) {
		case *TypingEvent:
			typing = ev.UserIDs
		case *ReceiptEvent:
			if sawReceipts {
				droppedEvents.WithLabelValues("stale_receipt").Inc()
				continue
			}

			sawReceipts = true

			room.ApplyReceipts(ev.Receipts)
		default:
			logger.WithFields(logrus.Fields{"room_id": roomID, "type": Header(ev).Type}).Debug("ignoring ephemeral event")
		}
	}

	room.Name = room.ResolveName(me)

	return room, elements, typing
}

// applyState folds state and timeline events into room. With emit set the
// state changes also yield RoomElements.
func applyState(room *Room, events []Event, emit bool) []RoomElement {
	var elements []RoomElement

	element := func(kind ElementKind, ev Event) {
		if emit {
			elements = append(elements, RoomElement{Kind: kind, RoomID: room.ID, Event: ev})
		}
	}

	for _, ev := range events {
		switch ev := ev.(type) {
		case *RoomNameEvent:
			room.SetExplicitName(ev.Name)
			element(ElementName, ev)
		case *TopicEvent:
			room.SetTopic(ev.Topic)
			element(ElementTopic, ev)
		case *AvatarEvent:
			room.SetAvatar(ev.URL)
			element(ElementAvatar, ev)
		case *CanonicalAliasEvent:
			room.SetAlias(ev.Alias)
		case *MemberEvent:
			room.ApplyMember(ev)
			element(ElementMember, ev)
		case *PowerLevelsEvent:
			room.SetPowerLevels(ev.Users, ev.UsersDefault)
		case *RedactionEvent:
			room.Redact(ev.Redacts)
			element(ElementRedaction, ev)
		case *MessageEvent:
			room.AddMessage(ev.Message)
		default:
			droppedEvents.WithLabelValues("unknown").Inc()
			logger.WithFields(logrus.Fields{"room_id": room.ID, "type": Header(ev).Type}).Debug("dropping unhandled event")
		}
	}

	return elements
}

// pickTag reduces the m.tag set to the one tag a room is shown under.
func pickTag(tags []string) string {
	sort.Strings(tags)

	for _, want := range []string{TagFavourite, TagLowPriority} {
		for _, tag := range tags {
			if tag == want {
				return tag
			}
		}
	}

	if len(tags) > 0 {
		return tags[0]
	}

	return ""
}

func buildLeftRooms(resp *matrixclient.RespSync, me id.UserID) []*Room {
	rooms := make([]*Room, 0, len(resp.Rooms.Leave))

	for roomID, lr := range resp.Rooms.Leave {
		if _, ok := resp.Rooms.Join[roomID]; ok {
			continue
		}

		room := NewRoom(roomID)
		room.Membership.Kind = MembershipLeft

		applyState(room, DecodeEvents(lr.State.Events, roomID), false)
		timeline := DecodeEvents(lr.Timeline.Events, roomID)
		applyState(room, timeline, false)

		if n := len(timeline); n > 0 {
			if ev, ok := timeline[n-1].(*MemberEvent); ok && ev.Membership == event.MembershipLeave && ev.Sender != me {
				room.Membership.Reason = &LeftReason{Kicker: ev.Sender, Reason: ev.Reason}
			}
		}

		room.Name = room.ResolveName(me)
		rooms = append(rooms, room)
	}

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })

	return rooms
}

func buildInvitedRooms(resp *matrixclient.RespSync, me id.UserID) []*Room {
	rooms := make([]*Room, 0, len(resp.Rooms.Invite))

	for roomID, ir := range resp.Rooms.Invite {
		if _, ok := resp.Rooms.Join[roomID]; ok {
			continue
		}

		var (
			inviter *Member
			names   = make(map[id.UserID]string)
		)

		room := NewRoom(roomID)
		room.Membership.Kind = MembershipInvited

		for _, ev := range DecodeEvents(ir.InviteState.Events, roomID) {
			switch ev := ev.(type) {
			case *RoomNameEvent:
				room.SetExplicitName(ev.Name)
			case *CanonicalAliasEvent:
				room.SetAlias(ev.Alias)
			case *AvatarEvent:
				room.SetAvatar(ev.URL)
			case *TopicEvent:
				room.SetTopic(ev.Topic)
			case *MemberEvent:
				if ev.DisplayName != "" {
					names[ev.UserID] = ev.DisplayName
				}

				if ev.UserID == me && ev.Membership == event.MembershipInvite {
					inviter = &Member{UserID: ev.Sender}
					continue
				}

				room.ApplyMember(ev)
			}
		}

		if inviter == nil {
			droppedEvents.WithLabelValues("foreign_invite").Inc()
			logger.WithField("room_id", roomID).Debug("invite section without an invite for us")

			continue
		}

		inviter.Alias = names[inviter.UserID]
		room.Membership.Inviter = inviter
		room.Name = room.ResolveName(me)
		rooms = append(rooms, room)
	}

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })

	return rooms
}
