package matrixclient

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// Profile returns the global display name and avatar of userID in one
// request.
func (c *Client) Profile(ctx context.Context, userID id.UserID) (*RespProfile, error) {
	var resp RespProfile
	if err := c.getJSON(ctx, "profile", c.mc.BuildURL("profile", userID.String()), nil, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}
