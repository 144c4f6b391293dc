// Package presence mirrors online users into Redis so that every instance
// and the HTTP API can answer "is this user online".
package presence

import (
	"context"

	"github.com/redis/go-redis/v9"

	"telechat/internal/chat"
)

const (
	onlineSet       = "presence:online"
	userConnsPrefix = "presence:user:"
)

type Status struct {
	UserID      chat.ID `json:"user_id"`
	Online      bool    `json:"online"`
	Connections int64   `json:"connections"`
}

type Tracker struct {
	rdc *redis.Client
}

var _ chat.PresenceTracker = (*Tracker)(nil)

func NewTracker(rdc *redis.Client) *Tracker { return &Tracker{rdc: rdc} }

// Online and Offline run as Redis functions (see redis_functions/presence.lua)
// so the per-user set and the online set change together.
func (t *Tracker) Online(ctx context.Context, userID chat.ID, connID chat.ConnID) error {
	return t.rdc.FCall(ctx, "presence_online",
		[]string{userConnsPrefix + string(userID), onlineSet},
		string(connID),
		string(userID),
	).Err()
}

// Offline removes one connection; the user leaves the online set with the
// last one.
func (t *Tracker) Offline(ctx context.Context, userID chat.ID, connID chat.ConnID) error {
	return t.rdc.FCall(ctx, "presence_offline",
		[]string{userConnsPrefix + string(userID), onlineSet},
		string(connID),
		string(userID),
	).Err()
}

func (t *Tracker) Status(ctx context.Context, userID chat.ID) (Status, error) {
	n, err := t.rdc.SCard(ctx, userConnsPrefix+string(userID)).Result()
	if err != nil {
		return Status{}, err
	}
	return Status{UserID: userID, Online: n > 0, Connections: n}, nil
}

func (t *Tracker) OnlineUsers(ctx context.Context) ([]string, error) {
	return t.rdc.SMembers(ctx, onlineSet).Result()
}
