package matrixclient

import (
	"context"
	"encoding/json"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func (c *Client) SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content interface{}) (id.EventID, error) {
	var resp *mautrix.RespSendEvent

	err := c.call(ctx, "state", func() error {
		var err error
		resp, err = c.mc.SendStateEvent(roomID, eventType, stateKey, content)

		return err
	})
	if err != nil {
		return "", err
	}

	return resp.EventID, nil
}

func (c *Client) JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	var resp *mautrix.RespJoinRoom

	err := c.call(ctx, "join", func() error {
		var err error
		resp, err = c.mc.JoinRoom(roomIDOrAlias, "", nil)

		return err
	})
	if err != nil {
		return "", err
	}

	return resp.RoomID, nil
}

func (c *Client) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	return c.call(ctx, "leave", func() error {
		_, err := c.mc.LeaveRoom(roomID)
		return err
	})
}

func (c *Client) AddTag(ctx context.Context, roomID id.RoomID, tag string, order float64) error {
	return c.call(ctx, "add tag", func() error {
		return c.mc.AddTag(roomID, tag, order)
	})
}

func (c *Client) RemoveTag(ctx context.Context, roomID id.RoomID, tag string) error {
	return c.call(ctx, "remove tag", func() error {
		return c.mc.RemoveTag(roomID, tag)
	})
}

// DirectChats returns the raw m.direct account data. It is left undecoded
// because some servers put malformed keys in it.
func (c *Client) DirectChats(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage

	err := c.call(ctx, "get m.direct", func() error {
		return c.mc.GetAccountData(event.AccountDataDirectChats.Type, &raw)
	})
	if err != nil {
		if IsNotFound(err) {
			return json.RawMessage(`{}`), nil
		}

		return nil, err
	}

	return raw, nil
}

func (c *Client) SetDirectChats(ctx context.Context, direct map[id.UserID][]id.RoomID) error {
	return c.call(ctx, "set m.direct", func() error {
		return c.mc.SetAccountData(event.AccountDataDirectChats.Type, direct)
	})
}
