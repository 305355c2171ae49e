package matrixclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Messages lists room events starting at req.From in direction req.Dir.
func (c *Client) Messages(ctx context.Context, roomID id.RoomID, req *ReqMessages) (*RespMessages, error) {
	query := url.Values{}
	if req.From != "" {
		query.Set("from", req.From)
	}

	if req.To != "" {
		query.Set("to", req.To)
	}

	dir := req.Dir
	if dir == "" {
		dir = "b"
	}

	query.Set("dir", dir)

	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}

	if req.Filter != nil {
		filter, err := json.Marshal(req.Filter)
		if err != nil {
			return nil, fmt.Errorf("matrixclient: encoding filter: %w", err)
		}

		query.Set("filter", string(filter))
	}

	var resp RespMessages
	if err := c.getJSON(ctx, "messages", c.mc.BuildURL("rooms", roomID.String(), "messages"), query, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Context returns the events surrounding eventID.
func (c *Client) Context(ctx context.Context, roomID id.RoomID, eventID id.EventID, limit int) (*RespContext, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))

	var resp RespContext
	if err := c.getJSON(ctx, "context", c.mc.BuildURL("rooms", roomID.String(), "context", eventID.String()), query, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// SendMessageEvent sends a room event with an explicit transaction id so a
// retried send is deduplicated by the server.
func (c *Client) SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, txnID string, content interface{}) (id.EventID, error) {
	var resp *mautrix.RespSendEvent

	err := c.call(ctx, "send", func() error {
		var err error
		resp, err = c.mc.SendMessageEvent(roomID, eventType, content, mautrix.ReqSendEvent{TransactionID: txnID})

		return err
	})
	if err != nil {
		return "", err
	}

	return resp.EventID, nil
}

// Redact blanks eventID. reason may be empty.
func (c *Client) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID, txnID, reason string) (id.EventID, error) {
	var resp *mautrix.RespSendEvent

	err := c.call(ctx, "redact", func() error {
		var err error
		resp, err = c.mc.RedactEvent(roomID, eventID, mautrix.ReqRedact{Reason: reason, TxnID: txnID})

		return err
	})
	if err != nil {
		return "", err
	}

	return resp.EventID, nil
}

// UploadMedia uploads size bytes of body to the content repository and
// returns the mxc URI.
func (c *Client) UploadMedia(ctx context.Context, contentType, filename string, body io.Reader, size int64) (string, error) {
	var resp *mautrix.RespMediaUpload

	err := c.call(ctx, "upload", func() error {
		var err error
		resp, err = c.mc.UploadMedia(mautrix.ReqUploadMedia{
			Content:       body,
			ContentLength: size,
			ContentType:   contentType,
			FileName:      filename,
		})

		return err
	})
	if err != nil {
		return "", err
	}

	uri := resp.ContentURI.String()
	if uri == "" {
		return "", fmt.Errorf("matrixclient: upload response without content_uri")
	}

	return uri, nil
}
