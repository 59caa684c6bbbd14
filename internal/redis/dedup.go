package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// UpdateTTL covers Telegram's webhook redelivery window
const UpdateTTL = 24 * time.Hour

// UpdateDeduper remembers webhook update ids. Telegram redelivers an update
// until it gets a 2xx, so a slow reply can otherwise create a reminder twice.
type UpdateDeduper struct {
	client *Client
	ttl    time.Duration
}

func NewUpdateDeduper(client *Client, ttl time.Duration) *UpdateDeduper {
	if ttl <= 0 {
		ttl = UpdateTTL
	}
	return &UpdateDeduper{client: client, ttl: ttl}
}

// FirstSeen records updateID and reports whether this is its first delivery.
func (d *UpdateDeduper) FirstSeen(ctx context.Context, updateID int) (bool, error) {
	set, err := d.client.rdb.SetNX(ctx, key("update", strconv.Itoa(updateID)), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}
