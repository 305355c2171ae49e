package matrix

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	ErrMissingType     = errors.New("event without type")
	ErrMissingRedacts  = errors.New("redaction without redacts")
	ErrMissingStateKey = errors.New("state event without state_key")
	ErrMissingEventID  = errors.New("missing event id")
)

// EventHeader holds the fields shared by every event variant.
type EventHeader struct {
	ID        id.EventID
	Type      string
	RoomID    id.RoomID
	Sender    id.UserID
	StateKey  *string
	Timestamp int64
	// TxnID is the transaction id the sending client used, only present
	// on events sent by this device.
	TxnID string
}

func (h *EventHeader) header() *EventHeader { return h }

// Event is one of the decoded variants below.
type Event interface {
	header() *EventHeader
}

// Header returns the shared fields of ev.
func Header(ev Event) *EventHeader {
	return ev.header()
}

type RoomNameEvent struct {
	EventHeader
	Name string
}

type TopicEvent struct {
	EventHeader
	Topic string
}

type AvatarEvent struct {
	EventHeader
	URL string
}

type CanonicalAliasEvent struct {
	EventHeader
	Alias id.RoomAlias
}

type MemberEvent struct {
	EventHeader
	UserID      id.UserID
	Membership  event.Membership
	DisplayName string
	AvatarURL   string
	Reason      string
	IsDirect    bool
}

type PowerLevelsEvent struct {
	EventHeader
	Users        map[id.UserID]int
	UsersDefault int
}

type RedactionEvent struct {
	EventHeader
	Redacts id.EventID
	Reason  string
}

// MessageEvent covers m.room.message and m.sticker.
type MessageEvent struct {
	EventHeader
	Message *Message
}

type TypingEvent struct {
	EventHeader
	UserIDs []id.UserID
}

// ReceiptEvent maps event id to the users that read up to it and when.
type ReceiptEvent struct {
	EventHeader
	Receipts map[id.EventID]map[id.UserID]int64
}

type FullyReadEvent struct {
	EventHeader
	EventID id.EventID
}

type TagEvent struct {
	EventHeader
	Tags []string
}

type DirectEvent struct {
	EventHeader
	Rooms map[id.UserID][]id.RoomID
}

type UnknownEvent struct {
	EventHeader
}

type rawEvent struct {
	Type      string                 `json:"type"`
	EventID   id.EventID             `json:"event_id"`
	Sender    id.UserID              `json:"sender"`
	StateKey  *string                `json:"state_key"`
	Timestamp int64                  `json:"origin_server_ts"`
	RoomID    id.RoomID              `json:"room_id"`
	Redacts   id.EventID             `json:"redacts"`
	Content   map[string]interface{} `json:"content"`
	Unsigned  struct {
		TransactionID   string          `json:"transaction_id"`
		RedactedBecause json.RawMessage `json:"redacted_because"`
	} `json:"unsigned"`
}

// Decode decodes loosely typed event content into a struct using its json
// tags. Numbers sent as strings are accepted.
func Decode(input interface{}, output interface{}) error {
	config := &mapstructure.DecoderConfig{
		Metadata:         nil,
		Result:           output,
		TagName:          "json",
		WeaklyTypedInput: true,
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}

// DecodeEvent turns one wire event into its typed variant. roomID is used
// when the event itself carries no room_id, which is the case inside sync
// responses. Unknown types decode to *UnknownEvent without error.
//
//nolint:funlen,gocyclo
func DecodeEvent(raw json.RawMessage, roomID id.RoomID) (Event, error) {
	evType := gjson.GetBytes(raw, "type")
	if evType.Type != gjson.String || evType.Str == "" {
		return nil, ErrMissingType
	}

	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", evType.Str, err)
	}

	h := EventHeader{
		ID:        re.EventID,
		Type:      re.Type,
		RoomID:    re.RoomID,
		Sender:    re.Sender,
		StateKey:  re.StateKey,
		Timestamp: re.Timestamp,
		TxnID:     re.Unsigned.TransactionID,
	}
	if h.RoomID == "" {
		h.RoomID = roomID
	}

	switch re.Type {
	case event.StateRoomName.Type:
		var c struct {
			Name string `json:"name"`
		}
		if err := Decode(re.Content, &c); err != nil {
			return nil, fmt.Errorf("decoding room name: %w", err)
		}

		return &RoomNameEvent{EventHeader: h, Name: c.Name}, nil
	case event.StateTopic.Type:
		var c struct {
			Topic string `json:"topic"`
		}
		if err := Decode(re.Content, &c); err != nil {
			return nil, fmt.Errorf("decoding topic: %w", err)
		}

		return &TopicEvent{EventHeader: h, Topic: c.Topic}, nil
	case event.StateRoomAvatar.Type:
		var c struct {
			URL string `json:"url"`
		}
		if err := Decode(re.Content, &c); err != nil {
			return nil, fmt.Errorf("decoding avatar: %w", err)
		}

		return &AvatarEvent{EventHeader: h, URL: c.URL}, nil
	case event.StateCanonicalAlias.Type:
		var c struct {
			Alias id.RoomAlias `json:"alias"`
		}
		if err := Decode(re.Content, &c); err != nil {
			return nil, fmt.Errorf("decoding canonical alias: %w", err)
		}

		return &CanonicalAliasEvent{EventHeader: h, Alias: c.Alias}, nil
	case event.StateMember.Type:
		return decodeMember(h, re.Content)
	case event.StatePowerLevels.Type:
		var c struct {
			Users        map[id.UserID]int `json:"users"`
			UsersDefault int               `json:"users_default"`
		}
		if err := Decode(re.Content, &c); err != nil {
			return nil, fmt.Errorf("decoding power levels: %w", err)
		}

		return &PowerLevelsEvent{EventHeader: h, Users: c.Users, UsersDefault: c.UsersDefault}, nil
	case event.EventRedaction.Type:
		return decodeRedaction(h, re)
	case event.EventMessage.Type, event.EventSticker.Type:
		msg, err := messageFromContent(h, re.Content, len(re.Unsigned.RedactedBecause) > 0)
		if err != nil {
			return nil, err
		}

		return &MessageEvent{EventHeader: h, Message: msg}, nil
	case event.EphemeralEventTyping.Type:
		var c struct {
			UserIDs []id.UserID `json:"user_ids"`
		}
		if err := Decode(re.Content, &c); err != nil {
			return nil, fmt.Errorf("decoding typing: %w", err)
		}

		return &TypingEvent{EventHeader: h, UserIDs: c.UserIDs}, nil
	case event.EphemeralEventReceipt.Type:
		return &ReceiptEvent{EventHeader: h, Receipts: decodeReceipts(h.RoomID, re.Content)}, nil
	case event.AccountDataFullyRead.Type:
		var c struct {
			EventID id.EventID `json:"event_id"`
		}
		if err := Decode(re.Content, &c); err != nil {
			return nil, fmt.Errorf("decoding fully read: %w", err)
		}

		if c.EventID == "" {
			return nil, fmt.Errorf("fully read marker: %w", ErrMissingEventID)
		}

		return &FullyReadEvent{EventHeader: h, EventID: c.EventID}, nil
	case event.AccountDataRoomTags.Type:
		var c struct {
			Tags map[string]interface{} `json:"tags"`
		}
		if err := Decode(re.Content, &c); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}

		tags := make([]string, 0, len(c.Tags))
		for tag := range c.Tags {
			tags = append(tags, tag)
		}

		return &TagEvent{EventHeader: h, Tags: tags}, nil
	case event.AccountDataDirectChats.Type:
		return &DirectEvent{EventHeader: h, Rooms: decodeDirect(re.Content)}, nil
	}

	return &UnknownEvent{EventHeader: h}, nil
}

func decodeMember(h EventHeader, content map[string]interface{}) (Event, error) {
	if h.StateKey == nil {
		return nil, ErrMissingStateKey
	}

	var c struct {
		Membership  event.Membership `json:"membership"`
		DisplayName string           `json:"displayname"`
		AvatarURL   string           `json:"avatar_url"`
		Reason      string           `json:"reason"`
		IsDirect    bool             `json:"is_direct"`
	}
	if err := Decode(content, &c); err != nil {
		return nil, fmt.Errorf("decoding member: %w", err)
	}

	return &MemberEvent{
		EventHeader: h,
		UserID:      id.UserID(*h.StateKey),
		Membership:  c.Membership,
		DisplayName: c.DisplayName,
		AvatarURL:   c.AvatarURL,
		Reason:      c.Reason,
		IsDirect:    c.IsDirect,
	}, nil
}

func decodeRedaction(h EventHeader, re rawEvent) (Event, error) {
	var c struct {
		Redacts id.EventID `json:"redacts"`
		Reason  string     `json:"reason"`
	}
	if err := Decode(re.Content, &c); err != nil {
		return nil, fmt.Errorf("decoding redaction: %w", err)
	}

	// newer room versions move redacts into the content
	redacts := re.Redacts
	if redacts == "" {
		redacts = c.Redacts
	}

	if redacts == "" {
		return nil, fmt.Errorf("event %s: %w", h.ID, ErrMissingRedacts)
	}

	return &RedactionEvent{EventHeader: h, Redacts: redacts, Reason: c.Reason}, nil
}

// decodeReceipts reads the m.read receipts of a receipt event. A missing
// or zero timestamp is kept, some servers send it that way.
func decodeReceipts(roomID id.RoomID, content map[string]interface{}) map[id.EventID]map[id.UserID]int64 {
	receipts := make(map[id.EventID]map[id.UserID]int64)

	for eventID, v := range content {
		types, ok := v.(map[string]interface{})
		if !ok {
			continue
		}

		read, ok := types["m.read"].(map[string]interface{})
		if !ok {
			continue
		}

		users := make(map[id.UserID]int64, len(read))

		for userID, rv := range read {
			var r struct {
				TS int64 `json:"ts"`
			}
			if err := Decode(rv, &r); err != nil {
				logger.WithFields(logrus.Fields{"room_id": roomID, "event_id": eventID}).Debugf("malformed receipt from %s: %s", userID, err)
			}

			if r.TS == 0 {
				logger.WithFields(logrus.Fields{"room_id": roomID, "event_id": eventID}).Debugf("receipt from %s without timestamp", userID)
			}

			users[id.UserID(userID)] = r.TS
		}

		receipts[id.EventID(eventID)] = users
	}

	return receipts
}

// decodeDirect reads m.direct content. Keys that are not user ids and
// values that are not lists of room ids are skipped: some servers have
// been seen sending "[object Object]" as a key.
func decodeDirect(content map[string]interface{}) map[id.UserID][]id.RoomID {
	direct := make(map[id.UserID][]id.RoomID, len(content))

	for key, v := range content {
		userID := id.UserID(key)
		if _, _, err := userID.Parse(); err != nil {
			logger.Debugf("skipping malformed m.direct key %q", key)
			continue
		}

		list, ok := v.([]interface{})
		if !ok {
			logger.Debugf("skipping malformed m.direct value for %s", key)
			continue
		}

		for _, entry := range list {
			if roomID, ok := entry.(string); ok && roomID != "" {
				direct[userID] = append(direct[userID], id.RoomID(roomID))
			}
		}
	}

	return direct
}

// DecodeDirect decodes raw m.direct account data content.
func DecodeDirect(raw json.RawMessage) (map[id.UserID][]id.RoomID, error) {
	var content map[string]interface{}
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("decoding m.direct: %w", err)
	}

	return decodeDirect(content), nil
}

// DecodeEvents decodes raws, dropping and logging events that fail.
func DecodeEvents(raws []json.RawMessage, roomID id.RoomID) []Event {
	events := make([]Event, 0, len(raws))

	for _, raw := range raws {
		ev, err := DecodeEvent(raw, roomID)
		if err != nil {
			droppedEvents.WithLabelValues("malformed").Inc()
			logger.WithError(err).WithField("room_id", roomID).Warn("dropping malformed event")
			continue
		}

		events = append(events, ev)
	}

	return events
}
