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
	"sync"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// TicketEvent is one observed ticket status transition. MatchID is set only
// for transitions into the matched status, Reason only for expiries.
type TicketEvent struct {
	TicketID int64        `json:"ticket_id"`
	UserID   uuid.UUID    `json:"user_id"`
	Status   TicketStatus `json:"status"`
	MatchID  int64        `json:"match_id,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

var _ TicketStatusRegistry = (*LocalTicketStatusRegistry)(nil)

// TicketStatusRegistry fans out ticket status transitions to subscribed
// watchers. Transitions for one ticket are delivered in publish order, and
// every transition out of the waiting state ends the watch.
type TicketStatusRegistry interface {
	Stop()
	// Subscribe returns a channel of status transitions for one ticket and a
	// close function. The channel is closed after a transition is delivered
	// or when the close function is called, whichever comes first.
	Subscribe(ticketID int64) (<-chan *TicketEvent, func())
	// Publish delivers a transition to all live subscribers of the ticket.
	Publish(event *TicketEvent)
}

type ticketSubscription struct {
	ticketID int64
	ch       chan *TicketEvent
}

type LocalTicketStatusRegistry struct {
	sync.Mutex
	logger *zap.Logger

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	queueSize int
	eventsCh  chan *TicketEvent
	byTicket  map[int64]map[*ticketSubscription]struct{}
}

func NewLocalTicketStatusRegistry(logger *zap.Logger, config Config) *LocalTicketStatusRegistry {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	r := &LocalTicketStatusRegistry{
		logger: logger,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		queueSize: config.GetTicketStatus().EventQueueSize,
		eventsCh:  make(chan *TicketEvent, config.GetTicketStatus().EventQueueSize),
		byTicket:  make(map[int64]map[*ticketSubscription]struct{}),
	}

	go func() {
		for {
			select {
			case <-r.ctx.Done():
				return
			case event := <-r.eventsCh:
				r.deliver(event)
			}
		}
	}()

	return r
}

// deliver fans one transition out to the ticket's subscribers and closes the
// watch. A subscriber that has stopped draining its channel misses the event
// but still observes the closed channel.
func (r *LocalTicketStatusRegistry) deliver(event *TicketEvent) {
	r.Lock()
	subs, found := r.byTicket[event.TicketID]
	if !found {
		r.Unlock()
		return
	}
	delete(r.byTicket, event.TicketID)
	for sub := range subs {
		select {
		case sub.ch <- event:
		default:
			r.logger.Warn("Ticket status subscriber too slow, event dropped.", zap.Int64("ticket_id", event.TicketID), zap.String("status", event.Status.String()))
		}
		close(sub.ch)
	}
	r.Unlock()
}

func (r *LocalTicketStatusRegistry) Subscribe(ticketID int64) (<-chan *TicketEvent, func()) {
	sub := &ticketSubscription{
		ticketID: ticketID,
		ch:       make(chan *TicketEvent, r.queueSize),
	}

	r.Lock()
	subs, found := r.byTicket[ticketID]
	if !found {
		subs = make(map[*ticketSubscription]struct{}, 1)
		r.byTicket[ticketID] = subs
	}
	subs[sub] = struct{}{}
	r.Unlock()

	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			r.Lock()
			if subs, found := r.byTicket[ticketID]; found {
				if _, live := subs[sub]; live {
					delete(subs, sub)
					close(sub.ch)
					if len(subs) == 0 {
						delete(r.byTicket, ticketID)
					}
				}
			}
			r.Unlock()
		})
	}
	return sub.ch, closeFn
}

func (r *LocalTicketStatusRegistry) Publish(event *TicketEvent) {
	select {
	case r.eventsCh <- event:
	case <-r.ctx.Done():
	}
}

func (r *LocalTicketStatusRegistry) Stop() {
	r.ctxCancelFn()

	r.Lock()
	for ticketID, subs := range r.byTicket {
		for sub := range subs {
			close(sub.ch)
		}
		delete(r.byTicket, ticketID)
	}
	r.Unlock()
}
