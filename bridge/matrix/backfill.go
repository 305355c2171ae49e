package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/42wim/mxsync/pkg/matrixclient"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var ErrBackfillBusy = errors.New("backfill already running for room")

type BackfillRequest struct {
	RoomID    id.RoomID
	PrevBatch string
	// Oldest is the oldest known message, used to find a token when the
	// room has no prev_batch.
	Oldest id.EventID
	Since  string
}

type BackfillResult struct {
	RoomID id.RoomID
	// Messages are in chronological order.
	Messages  []*Message
	PrevBatch string
	End       bool
}

type Backfiller struct {
	api        API
	pageSize   int
	contextMax int
}

func NewBackfiller(api API, v *viper.Viper) *Backfiller {
	b := &Backfiller{
		api:        api,
		pageSize:   v.GetInt("backfill.pagesize"),
		contextMax: v.GetInt("backfill.contextmax"),
	}

	if b.pageSize <= 0 {
		b.pageSize = 40
	}

	if b.contextMax < 1 {
		b.contextMax = 1
	}

	return b
}

var historyFilter = &mautrix.FilterPart{
	Types: []event.Type{event.EventMessage, event.EventSticker},
}

// Fetch loads one page of messages older than what the room has.
func (b *Backfiller) Fetch(ctx context.Context, req BackfillRequest) (*BackfillResult, error) {
	from, err := b.token(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &BackfillResult{RoomID: req.RoomID}

	if from == "" {
		logger.WithField("room_id", req.RoomID).Debug("no pagination token, nothing to load")

		res.End = true

		return res, nil
	}

	resp, err := b.api.Messages(ctx, req.RoomID, &matrixclient.ReqMessages{
		From:   from,
		Dir:    "b",
		Limit:  b.pageSize,
		Filter: historyFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("loading history of %s: %w", req.RoomID, err)
	}

	// the server omits end, or repeats from, once the start of the room
	// is reached, even on a page that still carries events
	res.PrevBatch = resp.End
	res.End = len(resp.Chunk) == 0 || resp.End == "" || resp.End == from

	events := DecodeEvents(resp.Chunk, req.RoomID)
	for i := len(events) - 1; i >= 0; i-- {
		if ev, ok := events[i].(*MessageEvent); ok {
			res.Messages = append(res.Messages, ev.Message)
		}
	}

	return res, nil
}

// token picks the pagination origin: the room prev_batch, then a context
// lookup around the oldest message, then the sync cursor.
func (b *Backfiller) token(ctx context.Context, req BackfillRequest) (string, error) {
	if req.PrevBatch != "" {
		return req.PrevBatch, nil
	}

	if req.Oldest != "" {
		start, err := b.contextToken(ctx, req.RoomID, req.Oldest)
		if err != nil {
			return "", err
		}

		if start != "" {
			return start, nil
		}
	}

	return req.Since, nil
}

// contextToken asks for the context of eventID with a growing window until
// it contains a message or the window reaches contextMax.
func (b *Backfiller) contextToken(ctx context.Context, roomID id.RoomID, eventID id.EventID) (string, error) {
	limit := 1

	for {
		resp, err := b.api.Context(ctx, roomID, eventID, limit)
		if err != nil {
			return "", fmt.Errorf("context of %s: %w", eventID, err)
		}

		if limit >= b.contextMax || hasMessage(resp.EventsBefore, roomID) {
			return resp.Start, nil
		}

		logger.WithFields(logrus.Fields{"room_id": roomID, "event_id": eventID, "limit": limit}).Debug("no messages in context, widening")

		limit *= 2
		if limit > b.contextMax {
			limit = b.contextMax
		}
	}
}

func hasMessage(raws []json.RawMessage, roomID id.RoomID) bool {
	for _, ev := range DecodeEvents(raws, roomID) {
		if _, ok := ev.(*MessageEvent); ok {
			return true
		}
	}

	return false
}
