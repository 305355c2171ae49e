package matrix

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	strip "github.com/grokify/html-strip-tags-go"
	"github.com/muesli/reflow/truncate"
	"github.com/zeebo/blake3"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Message types not covered by mautrix.
const (
	MsgServerNotice event.MessageType = "m.server_notice"
	MsgSticker      event.MessageType = "m.sticker"
)

const (
	relReplace = "m.replace"
	relReply   = "m.reply"
)

// Message is a normalized chat message. A message without ID is
// provisional: composed locally and not yet confirmed by the server.
type Message struct {
	Sender        id.UserID              `json:"sender"`
	MsgType       event.MessageType      `json:"msgtype"`
	Body          string                 `json:"body"`
	Format        string                 `json:"format,omitempty"`
	FormattedBody string                 `json:"formatted_body,omitempty"`
	Date          time.Time              `json:"date"`
	RoomID        id.RoomID              `json:"room_id"`
	URL           string                 `json:"url,omitempty"`
	ThumbnailURL  string                 `json:"thumbnail_url,omitempty"`
	ID            id.EventID             `json:"id,omitempty"`
	InReplyTo     id.EventID             `json:"in_reply_to,omitempty"`
	Replaces      id.EventID             `json:"replaces,omitempty"`
	Redacted      bool                   `json:"redacted,omitempty"`
	Receipts      map[id.UserID]int64    `json:"receipts,omitempty"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
	TxnID         string                 `json:"txn_id,omitempty"`

	LocalID   string `json:"-"`
	LocalPath string `json:"-"`
}

type messageContent struct {
	MsgType       event.MessageType      `json:"msgtype"`
	Body          string                 `json:"body"`
	Format        string                 `json:"format"`
	FormattedBody string                 `json:"formatted_body"`
	URL           string                 `json:"url"`
	GeoURI        string                 `json:"geo_uri"`
	Info          map[string]interface{} `json:"info"`
	RelatesTo     *relatesTo             `json:"m.relates_to"`
	NewContent    *messageContent        `json:"m.new_content"`
}

type relatesTo struct {
	RelType   string     `json:"rel_type"`
	EventID   id.EventID `json:"event_id"`
	InReplyTo *struct {
		EventID id.EventID `json:"event_id"`
	} `json:"m.in_reply_to"`
}

// NewMessage creates a provisional outgoing message.
func NewMessage(roomID id.RoomID, sender id.UserID, msgType event.MessageType, body string) *Message {
	now := time.Now()

	return &Message{
		Sender:  sender,
		MsgType: msgType,
		Body:    body,
		Date:    now,
		RoomID:  roomID,
		TxnID:   ComputeTxnID(roomID, body, now),
		LocalID: uuid.New().String(),
	}
}

// ComputeTxnID derives the transaction id of a message from its room, body
// and timestamp.
func ComputeTxnID(roomID id.RoomID, body string, date time.Time) string {
	sum := blake3.Sum256([]byte(string(roomID) + body + strconv.FormatInt(date.UnixMilli(), 10)))
	return hex.EncodeToString(sum[:])
}

func messageFromContent(h EventHeader, content map[string]interface{}, redacted bool) (*Message, error) {
	msg := &Message{
		Sender: h.Sender,
		Date:   time.UnixMilli(h.Timestamp),
		RoomID: h.RoomID,
		ID:     h.ID,
		TxnID:  h.TxnID,
	}

	if redacted || len(content) == 0 {
		msg.MsgType = event.MsgText
		if h.Type == event.EventSticker.Type {
			msg.MsgType = MsgSticker
		}

		msg.Redacted = true

		return msg, nil
	}

	var c messageContent
	if err := Decode(content, &c); err != nil {
		return nil, fmt.Errorf("decoding message %s: %w", h.ID, err)
	}

	msg.MsgType = c.MsgType
	if h.Type == event.EventSticker.Type {
		msg.MsgType = MsgSticker
	}

	msg.Body = c.Body
	msg.Format = c.Format
	msg.FormattedBody = c.FormattedBody

	switch msg.MsgType {
	case event.MsgImage, event.MsgFile, event.MsgAudio, event.MsgVideo, MsgSticker:
		msg.URL = c.URL
		msg.ThumbnailURL = c.URL

		if thumb, ok := c.Info["thumbnail_url"].(string); ok && thumb != "" {
			msg.ThumbnailURL = thumb
		}

		if len(c.Info) > 0 {
			msg.Extra = map[string]interface{}{"info": c.Info}
		}
	case event.MsgLocation:
		msg.Extra = map[string]interface{}{"geo_uri": c.GeoURI}
	case event.MsgText, event.MsgEmote, event.MsgNotice:
		msg.applyRelations(&c)
	case MsgServerNotice:
	default:
		if c.MsgType == "" {
			return nil, fmt.Errorf("message %s: missing msgtype", h.ID)
		}
	}

	if msg.Body == "" && msg.FormattedBody != "" {
		msg.Body = strings.TrimSpace(strip.StripTags(msg.FormattedBody))
	}

	return msg, nil
}

func (m *Message) applyRelations(c *messageContent) {
	if rel := c.RelatesTo; rel != nil {
		switch {
		case rel.RelType == relReplace:
			m.Replaces = rel.EventID
		case rel.InReplyTo != nil && rel.InReplyTo.EventID != "":
			m.InReplyTo = rel.InReplyTo.EventID
		case rel.RelType == relReply:
			m.InReplyTo = rel.EventID
		}
	}

	nc := c.NewContent
	if nc == nil {
		return
	}

	m.Body = nc.Body
	m.Format = nc.Format
	m.FormattedBody = nc.FormattedBody
	m.InReplyTo = ""

	if nc.RelatesTo != nil && nc.RelatesTo.InReplyTo != nil {
		m.InReplyTo = nc.RelatesTo.InReplyTo.EventID
	}
}

// EventType is the wire event type the message is sent as.
func (m *Message) EventType() event.Type {
	if m.MsgType == MsgSticker {
		return event.EventSticker
	}

	return event.EventMessage
}

// Content builds the wire content for sending m.
func (m *Message) Content() map[string]interface{} {
	content := map[string]interface{}{
		"msgtype": m.MsgType,
		"body":    m.Body,
	}

	if m.MsgType == MsgSticker {
		delete(content, "msgtype")
	}

	if m.FormattedBody != "" {
		content["format"] = m.Format
		content["formatted_body"] = m.FormattedBody
	}

	if m.URL != "" {
		content["url"] = m.URL
	}

	for k, v := range m.Extra {
		content[k] = v
	}

	switch {
	case m.Replaces != "":
		content["m.relates_to"] = map[string]interface{}{
			"rel_type": relReplace,
			"event_id": m.Replaces,
		}
	case m.InReplyTo != "":
		content["m.relates_to"] = map[string]interface{}{
			"m.in_reply_to": map[string]interface{}{"event_id": m.InReplyTo},
		}
	}

	return content
}

// Redact clears the displayable content of m. It keeps its identity.
func (m *Message) Redact() {
	m.Redacted = true
	m.Body = ""
	m.Format = ""
	m.FormattedBody = ""
	m.URL = ""
	m.ThumbnailURL = ""
	m.Extra = nil
}

// Excerpt returns the body cut to width cells for notifications.
func (m *Message) Excerpt(width uint) string {
	body := strings.Join(strings.Fields(m.Body), " ")
	return truncate.StringWithTail(body, width, "…")
}

// Provisional reports whether the server has not yet confirmed m.
func (m *Message) Provisional() bool {
	return m.ID == ""
}
