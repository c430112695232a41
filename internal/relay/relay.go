// Package relay fans pushed call results out to every process over Redis
// pub/sub, so the process waiting on a call sees a push that another
// replica received.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"provider-scout/internal/calls"
	"provider-scout/pkg/logger"
)

const DefaultChannel = "voice:call_results"

// Cache is where relayed results end up.
type Cache interface {
	Put(callID string, r calls.CallResult)
}

type Publisher struct {
	rdb     *redis.Client
	channel string
}

func NewPublisher(rdb *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{rdb: rdb, channel: channel}
}

func (p *Publisher) Publish(ctx context.Context, r calls.CallResult) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, b).Err()
}

type Subscriber struct {
	rdb     *redis.Client
	channel string
	cache   Cache
}

func NewSubscriber(rdb *redis.Client, channel string, cache Cache) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Subscriber{rdb: rdb, channel: channel, cache: cache}
}

// Run copies every relayed result into the cache until ctx is done. It
// resubscribes after a dropped connection.
func (s *Subscriber) Run(ctx context.Context) error {
	log := logger.From(ctx).With("channel", s.channel)
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("relay_subscription_lost", "err", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

var errClosed = errors.New("relay: subscription closed")

func (s *Subscriber) consume(ctx context.Context) error {
	sub := s.rdb.Subscribe(ctx, s.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errClosed
			}
			s.handle(ctx, msg.Payload)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, payload string) {
	var r calls.CallResult
	if err := json.Unmarshal([]byte(payload), &r); err != nil || r.CallID == "" {
		logger.From(ctx).Warn("relay_bad_message", "err", err)
		return
	}
	s.cache.Put(r.CallID, r)
}
