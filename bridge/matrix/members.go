package matrix

import (
	"context"
	"sync"

	"github.com/42wim/mxsync/bridge"
	"github.com/42wim/mxsync/pkg/matrixclient"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"
)

// ProfileFetcher looks up a user's global profile.
type ProfileFetcher interface {
	Profile(ctx context.Context, userID id.UserID) (*matrixclient.RespProfile, error)
}

type cachedMember struct {
	sync.RWMutex
	member Member
}

// MemberCache is a get-or-populate cache of display names and avatars,
// shared by all rooms. Concurrent misses for the same user share a single
// profile fetch.
type MemberCache struct {
	cache   *lru.Cache
	group   singleflight.Group
	fetcher ProfileFetcher
}

func NewMemberCache(size int, fetcher ProfileFetcher) (*MemberCache, error) {
	if size <= 0 {
		size = 500
	}

	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	return &MemberCache{cache: cache, fetcher: fetcher}, nil
}

// Peek returns the cached member without fetching.
func (c *MemberCache) Peek(userID id.UserID) (Member, bool) {
	v, ok := c.cache.Get(userID)
	if !ok {
		return Member{}, false
	}

	cm := v.(*cachedMember) //nolint:forcetypeassert

	cm.RLock()
	defer cm.RUnlock()

	return cm.member, true
}

// Put seeds or updates the cache, typically from a member event. Empty
// fields do not overwrite known values.
func (c *MemberCache) Put(m Member) {
	v, ok := c.cache.Get(m.UserID)
	if !ok {
		c.cache.Add(m.UserID, &cachedMember{member: m})
		return
	}

	cm := v.(*cachedMember) //nolint:forcetypeassert

	cm.Lock()
	defer cm.Unlock()

	if m.Alias != "" {
		cm.member.Alias = m.Alias
	}

	if m.Avatar != "" {
		cm.member.Avatar = m.Avatar
	}
}

// Get returns the member, fetching the profile on a miss.
func (c *MemberCache) Get(ctx context.Context, userID id.UserID) (Member, error) {
	if m, ok := c.Peek(userID); ok {
		return m, nil
	}

	v, err, _ := c.group.Do(userID.String(), func() (interface{}, error) {
		profile, err := c.fetcher.Profile(ctx, userID)
		if err != nil {
			return nil, err
		}

		m := Member{UserID: userID, Alias: profile.DisplayName, Avatar: profile.AvatarURL}
		c.Put(m)

		return m, nil
	})
	if err != nil {
		if matrixclient.IsNotFound(err) {
			m := Member{UserID: userID}
			c.Put(m)

			return m, nil
		}

		return Member{UserID: userID}, err
	}

	return v.(Member), nil //nolint:forcetypeassert
}

// UserInfo resolves a user for UI payloads from the cache only.
func (c *MemberCache) UserInfo(userID, me id.UserID) *bridge.UserInfo {
	m, ok := c.Peek(userID)
	if !ok {
		m = Member{UserID: userID}
	}

	return createUser(m, me)
}

func createUser(m Member, me id.UserID) *bridge.UserInfo {
	displayName := m.Alias
	if displayName == "" {
		nick, host, err := m.UserID.Parse()
		if err != nil {
			displayName = m.UserID.String()
		} else {
			displayName = nick + "@" + host
		}
	}

	return &bridge.UserInfo{
		User:        m.UserID.String(),
		DisplayName: displayName,
		Avatar:      m.Avatar,
		Me:          m.UserID == me,
	}
}
