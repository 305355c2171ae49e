package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/42wim/mxsync/bridge"
	"github.com/42wim/mxsync/config"
	"github.com/42wim/mxsync/pkg/matrixclient"
	"github.com/spf13/viper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	me    = id.UserID("@me:example.org")
	alice = id.UserID("@alice:example.org")
	bob   = id.UserID("@bob:example.org")
	carol = id.UserID("@carol:example.org")
)

var expectTimeout = time.Second * 2

// fakeAPI implements API with overridable calls. Calls that are not set
// fail.
type fakeAPI struct {
	sync       func(ctx context.Context, req *matrixclient.ReqSync) (*matrixclient.RespSync, error)
	messages   func(ctx context.Context, roomID id.RoomID, req *matrixclient.ReqMessages) (*matrixclient.RespMessages, error)
	context    func(ctx context.Context, roomID id.RoomID, eventID id.EventID, limit int) (*matrixclient.RespContext, error)
	send       func(ctx context.Context, roomID id.RoomID, eventType event.Type, txnID string, content interface{}) (id.EventID, error)
	redact     func(ctx context.Context, roomID id.RoomID, eventID id.EventID, txnID, reason string) (id.EventID, error)
	state      func(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content interface{}) (id.EventID, error)
	upload     func(ctx context.Context, contentType, filename string, body io.Reader, size int64) (string, error)
	join       func(ctx context.Context, roomIDOrAlias string) (id.RoomID, error)
	leave      func(ctx context.Context, roomID id.RoomID) error
	addTag     func(ctx context.Context, roomID id.RoomID, tag string, order float64) error
	removeTag  func(ctx context.Context, roomID id.RoomID, tag string) error
	direct     func(ctx context.Context) (json.RawMessage, error)
	setDirect  func(ctx context.Context, direct map[id.UserID][]id.RoomID) error
	profile    func(ctx context.Context, userID id.UserID) (*matrixclient.RespProfile, error)
	txnCounter int
}

var errNotImplemented = fmt.Errorf("not implemented in fake")

func (f *fakeAPI) Me() id.UserID { return me }

func (f *fakeAPI) NextTxnID() string {
	f.txnCounter++
	return fmt.Sprintf("txn%d", f.txnCounter)
}

func (f *fakeAPI) Sync(ctx context.Context, req *matrixclient.ReqSync) (*matrixclient.RespSync, error) {
	if f.sync == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	return f.sync(ctx, req)
}

func (f *fakeAPI) Messages(ctx context.Context, roomID id.RoomID, req *matrixclient.ReqMessages) (*matrixclient.RespMessages, error) {
	if f.messages == nil {
		return nil, errNotImplemented
	}

	return f.messages(ctx, roomID, req)
}

func (f *fakeAPI) Context(ctx context.Context, roomID id.RoomID, eventID id.EventID, limit int) (*matrixclient.RespContext, error) {
	if f.context == nil {
		return nil, errNotImplemented
	}

	return f.context(ctx, roomID, eventID, limit)
}

func (f *fakeAPI) SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, txnID string, content interface{}) (id.EventID, error) {
	if f.send == nil {
		return "", errNotImplemented
	}

	return f.send(ctx, roomID, eventType, txnID, content)
}

func (f *fakeAPI) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID, txnID, reason string) (id.EventID, error) {
	if f.redact == nil {
		return "", errNotImplemented
	}

	return f.redact(ctx, roomID, eventID, txnID, reason)
}

func (f *fakeAPI) SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content interface{}) (id.EventID, error) {
	if f.state == nil {
		return "", errNotImplemented
	}

	return f.state(ctx, roomID, eventType, stateKey, content)
}

func (f *fakeAPI) UploadMedia(ctx context.Context, contentType, filename string, body io.Reader, size int64) (string, error) {
	if f.upload == nil {
		return "", errNotImplemented
	}

	return f.upload(ctx, contentType, filename, body, size)
}

func (f *fakeAPI) JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	if f.join == nil {
		return "", errNotImplemented
	}

	return f.join(ctx, roomIDOrAlias)
}

func (f *fakeAPI) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	if f.leave == nil {
		return errNotImplemented
	}

	return f.leave(ctx, roomID)
}

func (f *fakeAPI) AddTag(ctx context.Context, roomID id.RoomID, tag string, order float64) error {
	if f.addTag == nil {
		return errNotImplemented
	}

	return f.addTag(ctx, roomID, tag, order)
}

func (f *fakeAPI) RemoveTag(ctx context.Context, roomID id.RoomID, tag string) error {
	if f.removeTag == nil {
		return errNotImplemented
	}

	return f.removeTag(ctx, roomID, tag)
}

func (f *fakeAPI) DirectChats(ctx context.Context) (json.RawMessage, error) {
	if f.direct == nil {
		return json.RawMessage(`{}`), nil
	}

	return f.direct(ctx)
}

func (f *fakeAPI) SetDirectChats(ctx context.Context, direct map[id.UserID][]id.RoomID) error {
	if f.setDirect == nil {
		return errNotImplemented
	}

	return f.setDirect(ctx, direct)
}

func (f *fakeAPI) Profile(ctx context.Context, userID id.UserID) (*matrixclient.RespProfile, error) {
	if f.profile == nil {
		return nil, errNotImplemented
	}

	return f.profile(ctx, userID)
}

func testViper() *viper.Viper {
	v := viper.New()
	config.SetDefaults(v)

	return v
}

// raw builds a wire event.
func raw(t *testing.T, ev map[string]interface{}) json.RawMessage {
	t.Helper()

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	return data
}

func stateEvent(t *testing.T, evType, stateKey string, sender id.UserID, content map[string]interface{}) json.RawMessage {
	return raw(t, map[string]interface{}{
		"type":             evType,
		"event_id":         "$" + evType + stateKey,
		"sender":           sender,
		"state_key":        stateKey,
		"origin_server_ts": 1,
		"content":          content,
	})
}

func memberEvent(t *testing.T, user id.UserID, sender id.UserID, membership, displayName string) json.RawMessage {
	content := map[string]interface{}{"membership": membership}
	if displayName != "" {
		content["displayname"] = displayName
	}

	return stateEvent(t, "m.room.member", user.String(), sender, content)
}

func textEvent(t *testing.T, eventID id.EventID, sender id.UserID, ts int64, body string) json.RawMessage {
	return raw(t, map[string]interface{}{
		"type":             "m.room.message",
		"event_id":         eventID,
		"sender":           sender,
		"origin_server_ts": ts,
		"content":          map[string]interface{}{"msgtype": "m.text", "body": body},
	})
}

func expectEvent(t *testing.T, events <-chan *bridge.Event, expect string) *bridge.Event {
	t.Helper()

	for {
		select {
		case ev := <-events:
			if ev.Type == expect {
				return ev
			}
		case <-time.After(expectTimeout):
			t.Fatalf("timed out waiting for %q", expect)
			return nil
		}
	}
}

// collector records emitted events for synchronous tests.
type collector struct {
	events []*bridge.Event
}

func (c *collector) emit(ev *bridge.Event) {
	c.events = append(c.events, ev)
}

func (c *collector) ofType(typ string) []*bridge.Event {
	var out []*bridge.Event

	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}

	return out
}
