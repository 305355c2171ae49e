package matrixclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(&Credentials{
		Server:      server.URL,
		AccessToken: "token",
		UserID:      "@me:example.org",
	})
	require.NoError(t, err)

	return c
}

func assertPath(t *testing.T, r *http.Request, suffix string) {
	t.Helper()
	assert.True(t, strings.HasSuffix(r.URL.Path, suffix), "path %s does not end in %s", r.URL.Path, suffix)
}

func authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer token" || r.URL.Query().Get("access_token") == "token"
}

func TestNewRequiresServer(t *testing.T) {
	_, err := New(&Credentials{})
	assert.Error(t, err)

	c, err := New(&Credentials{Server: "matrix.example.org/", UserID: "@me:example.org"})
	require.NoError(t, err)
	assert.Equal(t, "https://matrix.example.org", c.mc.HomeserverURL.String())
	assert.Equal(t, id.UserID("@me:example.org"), c.Me())
}

func TestSync(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assertPath(t, r, "/sync")
		assert.True(t, authorized(r))
		assert.Equal(t, "s1", r.URL.Query().Get("since"))
		assert.Equal(t, "30000", r.URL.Query().Get("timeout"))

		var filter mautrix.Filter
		require.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("filter")), &filter))
		assert.Equal(t, 10, filter.Room.Timeline.Limit)

		io.WriteString(w, `{
			"next_batch": "s2",
			"rooms": {"join": {"!r:example.org": {
				"timeline": {"events": [{"type": "m.room.message"}, {"bogus": true}], "prev_batch": "p1", "limited": true},
				"unread_notifications": {"highlight_count": 1, "notification_count": 3}
			}}}
		}`)
	})

	resp, err := c.Sync(context.Background(), &ReqSync{
		Since:   "s1",
		Timeout: 30 * time.Second,
		Filter:  &mautrix.Filter{Room: mautrix.RoomFilter{Timeline: mautrix.FilterPart{Limit: 10}}},
	})
	require.NoError(t, err)

	assert.Equal(t, "s2", resp.NextBatch)
	room := resp.Rooms.Join["!r:example.org"]
	require.NotNil(t, room)
	assert.Len(t, room.Timeline.Events, 2)
	assert.Equal(t, "p1", room.Timeline.PrevBatch)
	assert.True(t, room.Timeline.Limited)
	assert.Equal(t, 3, room.UnreadNotifications.NotificationCount)
}

func TestSyncSkippedWhenCancelled(t *testing.T) {
	var hit bool

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hit = true
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Sync(ctx, &ReqSync{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, hit)
}

func TestWrapError(t *testing.T) {
	assert.NoError(t, wrapError("sync", nil))

	err := wrapError("sync", mautrix.HTTPError{
		RespError: &mautrix.RespError{ErrCode: ErrCodeLimitExceeded, Err: "slow down"},
		Message:   "request failed",
	})
	assert.True(t, IsRateLimited(err))
	assert.False(t, IsNotFound(err))

	merr, ok := asError(err)
	require.True(t, ok)
	assert.Equal(t, "sync", merr.Op)
	assert.Equal(t, "slow down", merr.Err)

	transport := errors.New("connection refused")
	err = wrapError("sync", transport)
	assert.ErrorIs(t, err, transport)
	assert.False(t, IsRateLimited(err))

	merr, ok = asError(err)
	require.True(t, ok)
	assert.Empty(t, merr.ErrCode)
}

func TestServerErrorClassified(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assertPath(t, r, "/join/#room:example.org")
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"errcode": "M_FORBIDDEN", "error": "You are not invited to this room."}`)
	})

	_, err := c.JoinRoom(context.Background(), "#room:example.org")
	require.Error(t, err)
	assert.False(t, IsRateLimited(err))
	assert.False(t, IsNotFound(err))

	merr, ok := asError(err)
	require.True(t, ok)
	assert.Equal(t, "M_FORBIDDEN", merr.ErrCode)
}

func TestMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assertPath(t, r, "/rooms/!r:example.org/messages")
		q := r.URL.Query()
		assert.Equal(t, "tok", q.Get("from"))
		assert.Equal(t, "b", q.Get("dir"))
		assert.Equal(t, "40", q.Get("limit"))
		assert.Contains(t, q.Get("filter"), "m.sticker")

		io.WriteString(w, `{"start": "tok", "end": "tok2", "chunk": [{}, {}]}`)
	})

	resp, err := c.Messages(context.Background(), "!r:example.org", &ReqMessages{
		From:   "tok",
		Limit:  40,
		Filter: &mautrix.FilterPart{Types: []event.Type{event.EventMessage, event.EventSticker}},
	})
	require.NoError(t, err)
	assert.Equal(t, "tok2", resp.End)
	assert.Len(t, resp.Chunk, 2)
}

func TestContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assertPath(t, r, "/rooms/!r:example.org/context/$ev")
		assert.Equal(t, "4", r.URL.Query().Get("limit"))
		io.WriteString(w, `{"start": "ctx-start", "events_before": [{}]}`)
	})

	resp, err := c.Context(context.Background(), "!r:example.org", "$ev", 4)
	require.NoError(t, err)
	assert.Equal(t, "ctx-start", resp.Start)
	assert.Len(t, resp.EventsBefore, 1)
}

func TestSendMessageEvent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assertPath(t, r, "/rooms/!r:example.org/send/m.room.message/txn1")

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["body"])

		io.WriteString(w, `{"event_id": "$sent"}`)
	})

	eventID, err := c.SendMessageEvent(context.Background(), "!r:example.org", event.EventMessage, "txn1",
		map[string]string{"msgtype": "m.text", "body": "hello"})
	require.NoError(t, err)
	assert.Equal(t, id.EventID("$sent"), eventID)
}

func TestRedact(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assertPath(t, r, "/rooms/!r:example.org/redact/$ev/txn2")

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "spam", body["reason"])

		io.WriteString(w, `{"event_id": "$redaction"}`)
	})

	eventID, err := c.Redact(context.Background(), "!r:example.org", "$ev", "txn2", "spam")
	require.NoError(t, err)
	assert.Equal(t, id.EventID("$redaction"), eventID)
}

func TestSendStateEvent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assertPath(t, r, "/rooms/!r:example.org/state/m.room.avatar")
		io.WriteString(w, `{"event_id": "$state"}`)
	})

	eventID, err := c.SendStateEvent(context.Background(), "!r:example.org", event.StateRoomAvatar, "",
		map[string]interface{}{"url": "mxc://example.org/a"})
	require.NoError(t, err)
	assert.Equal(t, id.EventID("$state"), eventID)
}

func TestDirectChats(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assertPath(t, r, "/user/@me:example.org/account_data/m.direct")
		io.WriteString(w, `{"[object Object]": ["!a:example.org"], "@bob:example.org": ["!b:example.org"]}`)
	})

	data, err := c.DirectChats(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"[object Object]": ["!a:example.org"], "@bob:example.org": ["!b:example.org"]}`, string(data))
}

func TestDirectChatsMissing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assertPath(t, r, "/user/@me:example.org/account_data/m.direct")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"errcode": "M_NOT_FOUND"}`)
	})

	data, err := c.DirectChats(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestRemoveTag(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assertPath(t, r, "/user/@me:example.org/rooms/!r:example.org/tags/m.favourite")
		io.WriteString(w, `{}`)
	})

	require.NoError(t, c.RemoveTag(context.Background(), "!r:example.org", "m.favourite"))
}

func TestUploadMedia(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/_matrix/media/")
		assertPath(t, r, "/upload")
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
		assert.Equal(t, "cat.png", r.URL.Query().Get("filename"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "png-bytes", string(body))
		io.WriteString(w, `{"content_uri": "mxc://example.org/abc"}`)
	})

	uri, err := c.UploadMedia(context.Background(), "image/png", "cat.png", strings.NewReader("png-bytes"), int64(len("png-bytes")))
	require.NoError(t, err)
	assert.Equal(t, "mxc://example.org/abc", uri)
}

func TestProfile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assertPath(t, r, "/profile/@alice:example.org")
		io.WriteString(w, `{"displayname": "Alice", "avatar_url": "mxc://example.org/alice"}`)
	})

	profile, err := c.Profile(context.Background(), "@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, "Alice", profile.DisplayName)
	assert.Equal(t, "mxc://example.org/alice", profile.AvatarURL)
}

func TestLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assertPath(t, r, "/login")

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "m.login.password", body["type"])
		assert.Equal(t, "secret", body["password"])

		io.WriteString(w, `{"access_token": "new", "user_id": "@alice:example.org", "device_id": "DEV"}`)
	})
	c.Credentials.Login = "alice"
	c.Credentials.Password = "secret"

	require.NoError(t, c.Login(context.Background()))
	assert.Equal(t, "new", c.AccessToken)
	assert.Equal(t, id.UserID("@alice:example.org"), c.Me())
	assert.Equal(t, id.DeviceID("DEV"), c.DeviceID)
}

func TestNextTxnIDUnique(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	assert.NotEqual(t, c.NextTxnID(), c.NextTxnID())
}

func TestNewClientCertMissing(t *testing.T) {
	_, err := New(&Credentials{
		Server:     "matrix.example.org",
		ClientCert: "/nonexistent/cert.pem",
		ClientKey:  "/nonexistent/key.pem",
	})
	assert.Error(t, err)
}
