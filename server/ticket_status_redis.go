// Copyright 2025 The Arena Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var _ TicketStatusRegistry = (*RedisTicketStatusRegistry)(nil)

type ticketEventEnvelope struct {
	Node  string       `json:"node"`
	Event *TicketEvent `json:"event"`
}

// RedisTicketStatusRegistry relays ticket status transitions between nodes
// over a Redis pub/sub channel. Local subscribers are served by the wrapped
// in-process registry, remote transitions are republished into it. The relay
// is best effort, watchers on other nodes fall back to the store poll loop.
type RedisTicketStatusRegistry struct {
	logger  *zap.Logger
	node    string
	channel string

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	local       *LocalTicketStatusRegistry
	redisClient *redis.Client
}

func NewRedisTicketStatusRegistry(logger *zap.Logger, config Config) *RedisTicketStatusRegistry {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	var (
		redisAddr     string
		redisPassword string
		redisDBIndex  int
		redisTLS      bool
	)

	if config.GetTicketStatus().RedisUri != "" {
		redisUrl, err := url.Parse(config.GetTicketStatus().RedisUri)
		if err != nil {
			logger.Fatal("Failed to parse Redis URI", zap.Error(err))
		}
		redisPassword, _ = redisUrl.User.Password()
		if path := strings.Replace(redisUrl.Path, "/", "", 1); path != "" {
			database, err := strconv.Atoi(path)
			if err != nil {
				logger.Fatal("Failed to parse Redis database index", zap.String("path", redisUrl.Path), zap.Error(err))
			}
			redisDBIndex = database
		}
		redisAddr = redisUrl.Host
		redisTLS = redisUrl.Scheme == "rediss"
	} else {
		redisAddr = config.GetTicketStatus().RedisAddr
		redisPassword = config.GetTicketStatus().RedisPassword
		redisDBIndex = config.GetTicketStatus().RedisDb
	}

	redisOpts := redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDBIndex,
	}
	if redisTLS {
		redisOpts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	r := &RedisTicketStatusRegistry{
		logger:  logger,
		node:    config.GetName(),
		channel: config.GetTicketStatus().RedisChannel,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		local:       NewLocalTicketStatusRegistry(logger, config),
		redisClient: redis.NewClient(&redisOpts),
	}

	go func() {
		pubsub := r.redisClient.Subscribe(r.ctx, r.channel)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-r.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var envelope ticketEventEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
					r.logger.Warn("Malformed ticket status relay payload", zap.Error(err))
					continue
				}
				if envelope.Event == nil || envelope.Node == r.node {
					continue
				}
				r.local.Publish(envelope.Event)
			}
		}
	}()

	return r
}

func (r *RedisTicketStatusRegistry) Subscribe(ticketID int64) (<-chan *TicketEvent, func()) {
	return r.local.Subscribe(ticketID)
}

func (r *RedisTicketStatusRegistry) Publish(event *TicketEvent) {
	r.local.Publish(event)

	payload, err := json.Marshal(&ticketEventEnvelope{Node: r.node, Event: event})
	if err != nil {
		r.logger.Error("Failed to encode ticket status relay payload", zap.Error(err))
		return
	}
	if err := r.redisClient.Publish(r.ctx, r.channel, payload).Err(); err != nil {
		r.logger.Error("Failed to publish ticket status relay payload", zap.Error(err))
	}
}

func (r *RedisTicketStatusRegistry) Stop() {
	r.ctxCancelFn()
	if err := r.redisClient.Close(); err != nil {
		r.logger.Warn("Failed to close Redis client", zap.Error(err))
	}
	r.local.Stop()
}
