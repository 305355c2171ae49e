package matrix

import (
	"context"
	"encoding/json"
	"io"

	"github.com/42wim/mxsync/pkg/matrixclient"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// API is the part of the homeserver client the session uses.
// *matrixclient.Client implements it.
type API interface {
	Me() id.UserID
	NextTxnID() string

	Sync(ctx context.Context, req *matrixclient.ReqSync) (*matrixclient.RespSync, error)
	Messages(ctx context.Context, roomID id.RoomID, req *matrixclient.ReqMessages) (*matrixclient.RespMessages, error)
	Context(ctx context.Context, roomID id.RoomID, eventID id.EventID, limit int) (*matrixclient.RespContext, error)

	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, txnID string, content interface{}) (id.EventID, error)
	Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID, txnID, reason string) (id.EventID, error)
	SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content interface{}) (id.EventID, error)
	UploadMedia(ctx context.Context, contentType, filename string, body io.Reader, size int64) (string, error)

	JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error)
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	AddTag(ctx context.Context, roomID id.RoomID, tag string, order float64) error
	RemoveTag(ctx context.Context, roomID id.RoomID, tag string) error
	DirectChats(ctx context.Context) (json.RawMessage, error)
	SetDirectChats(ctx context.Context, direct map[id.UserID][]id.RoomID) error

	Profile(ctx context.Context, userID id.UserID) (*matrixclient.RespProfile, error)
}

var _ API = (*matrixclient.Client)(nil)
