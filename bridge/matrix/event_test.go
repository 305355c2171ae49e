package matrix

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func TestDecodeEventVariants(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		expect func(t *testing.T, ev Event)
	}{
		{
			name: "room name",
			raw:  `{"type":"m.room.name","event_id":"$1","sender":"@alice:example.org","state_key":"","content":{"name":"Test Room"}}`,
			expect: func(t *testing.T, ev Event) {
				require.IsType(t, &RoomNameEvent{}, ev)
				assert.Equal(t, "Test Room", ev.(*RoomNameEvent).Name)
			},
		},
		{
			name: "topic",
			raw:  `{"type":"m.room.topic","event_id":"$1","sender":"@alice:example.org","state_key":"","content":{"topic":"things"}}`,
			expect: func(t *testing.T, ev Event) {
				require.IsType(t, &TopicEvent{}, ev)
				assert.Equal(t, "things", ev.(*TopicEvent).Topic)
			},
		},
		{
			name: "member",
			raw:  `{"type":"m.room.member","event_id":"$1","sender":"@alice:example.org","state_key":"@bob:example.org","content":{"membership":"join","displayname":"Bob"}}`,
			expect: func(t *testing.T, ev Event) {
				require.IsType(t, &MemberEvent{}, ev)
				m := ev.(*MemberEvent)
				assert.Equal(t, bob, m.UserID)
				assert.Equal(t, event.MembershipJoin, m.Membership)
				assert.Equal(t, "Bob", m.DisplayName)
			},
		},
		{
			name: "power levels with string numbers",
			raw:  `{"type":"m.room.power_levels","event_id":"$1","sender":"@alice:example.org","state_key":"","content":{"users":{"@alice:example.org":"100"},"users_default":"0"}}`,
			expect: func(t *testing.T, ev Event) {
				require.IsType(t, &PowerLevelsEvent{}, ev)
				p := ev.(*PowerLevelsEvent)
				assert.Equal(t, 100, p.Users[alice])
				assert.Equal(t, 0, p.UsersDefault)
			},
		},
		{
			name: "redaction with top level redacts",
			raw:  `{"type":"m.room.redaction","event_id":"$2","sender":"@alice:example.org","redacts":"$1","content":{"reason":"spam"}}`,
			expect: func(t *testing.T, ev Event) {
				require.IsType(t, &RedactionEvent{}, ev)
				r := ev.(*RedactionEvent)
				assert.Equal(t, id.EventID("$1"), r.Redacts)
				assert.Equal(t, "spam", r.Reason)
			},
		},
		{
			name: "redaction with redacts in content",
			raw:  `{"type":"m.room.redaction","event_id":"$2","sender":"@alice:example.org","content":{"redacts":"$1"}}`,
			expect: func(t *testing.T, ev Event) {
				require.IsType(t, &RedactionEvent{}, ev)
				assert.Equal(t, id.EventID("$1"), ev.(*RedactionEvent).Redacts)
			},
		},
		{
			name: "typing",
			raw:  `{"type":"m.typing","content":{"user_ids":["@alice:example.org","@bob:example.org"]}}`,
			expect: func(t *testing.T, ev Event) {
				require.IsType(t, &TypingEvent{}, ev)
				assert.Equal(t, []id.UserID{alice, bob}, ev.(*TypingEvent).UserIDs)
			},
		},
		{
			name: "receipt",
			raw:  `{"type":"m.receipt","content":{"$1":{"m.read":{"@alice:example.org":{"ts":1234}}}}}`,
			expect: func(t *testing.T, ev Event) {
				require.IsType(t, &ReceiptEvent{}, ev)
				assert.Equal(t, int64(1234), ev.(*ReceiptEvent).Receipts["$1"][alice])
			},
		},
		{
			name: "receipt without timestamp",
			raw:  `{"type":"m.receipt","content":{"$1":{"m.read":{"@alice:example.org":{}}}}}`,
			expect: func(t *testing.T, ev Event) {
				require.IsType(t, &ReceiptEvent{}, ev)
				ts, ok := ev.(*ReceiptEvent).Receipts["$1"][alice]
				assert.True(t, ok)
				assert.Equal(t, int64(0), ts)
			},
		},
		{
			name: "tags",
			raw:  `{"type":"m.tag","content":{"tags":{"m.favourite":{"order":0.5}}}}`,
			expect: func(t *testing.T, ev Event) {
				require.IsType(t, &TagEvent{}, ev)
				assert.Equal(t, []string{TagFavourite}, ev.(*TagEvent).Tags)
			},
		},
		{
			name: "fully read",
			raw:  `{"type":"m.fully_read","content":{"event_id":"$9"}}`,
			expect: func(t *testing.T, ev Event) {
				require.IsType(t, &FullyReadEvent{}, ev)
				assert.Equal(t, id.EventID("$9"), ev.(*FullyReadEvent).EventID)
			},
		},
		{
			name: "unknown type",
			raw:  `{"type":"org.example.custom","event_id":"$1","content":{}}`,
			expect: func(t *testing.T, ev Event) {
				require.IsType(t, &UnknownEvent{}, ev)
				assert.Equal(t, "org.example.custom", Header(ev).Type)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := DecodeEvent(json.RawMessage(tc.raw), "!room:example.org")
			require.NoError(t, err)
			assert.Equal(t, id.RoomID("!room:example.org"), Header(ev).RoomID)
			tc.expect(t, ev)
		})
	}
}

func TestDecodeEventErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  error
	}{
		{"missing type", `{"event_id":"$1","content":{}}`, ErrMissingType},
		{"redaction without redacts", `{"type":"m.room.redaction","event_id":"$2","content":{}}`, ErrMissingRedacts},
		{"member without state key", `{"type":"m.room.member","event_id":"$2","content":{"membership":"join"}}`, ErrMissingStateKey},
		{"fully read without event id", `{"type":"m.fully_read","content":{}}`, ErrMissingEventID},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEvent(json.RawMessage(tc.raw), "!room:example.org")
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestDecodeEventTransactionID(t *testing.T) {
	raw := `{"type":"m.room.message","event_id":"$1","sender":"@me:example.org","origin_server_ts":1000,` +
		`"content":{"msgtype":"m.text","body":"hi"},"unsigned":{"transaction_id":"abc"}}`

	ev, err := DecodeEvent(json.RawMessage(raw), "!room:example.org")
	require.NoError(t, err)
	require.IsType(t, &MessageEvent{}, ev)

	msg := ev.(*MessageEvent).Message
	assert.Equal(t, "abc", msg.TxnID)
	assert.Equal(t, id.EventID("$1"), msg.ID)
	assert.Equal(t, int64(1000), msg.Date.UnixMilli())
}

func TestDecodeDirectSkipsMalformedKeys(t *testing.T) {
	raw := `{"@alice:example.org":["!a:example.org"],"[object Object]":["!b:example.org"],"@bob:example.org":"!c:example.org"}`

	direct, err := DecodeDirect(json.RawMessage(raw))
	require.NoError(t, err)
	assert.Equal(t, map[id.UserID][]id.RoomID{alice: {"!a:example.org"}}, direct)
}

func TestDecodeEventsDropsMalformed(t *testing.T) {
	raws := []json.RawMessage{
		json.RawMessage(`{"type":"m.room.topic","state_key":"","content":{"topic":"ok"}}`),
		json.RawMessage(`{"type":"m.room.redaction","content":{}}`),
		json.RawMessage(`not json`),
		json.RawMessage(`{"type":"m.room.name","state_key":"","content":{"name":"ok"}}`),
	}

	events := DecodeEvents(raws, "!room:example.org")
	require.Len(t, events, 2)
	assert.IsType(t, &TopicEvent{}, events[0])
	assert.IsType(t, &RoomNameEvent{}, events[1])
}
