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
	"sort"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// SearchProgress describes one completed poll pass that did not end the
// search. Streaming callers forward it to the client as a searching event.
type SearchProgress struct {
	Threshold  float64
	Candidates int
	Waited     time.Duration
}

type Matchmaker interface {
	Stop()
	// ActiveSearches returns the number of searches currently polling.
	ActiveSearches() int64
	// Run drives one waiting ticket to a terminal status and returns the
	// transition that ended the search. Cancelling ctx cancels the ticket.
	// A non-nil error is returned only when the backing store failed
	// repeatedly and the search was abandoned, or when the matchmaker is
	// shutting down.
	Run(ctx context.Context, ticket *Ticket, progressFn func(*SearchProgress)) (*TicketEvent, error)
}

// LocalMatchmaker polls the ticket store on behalf of each waiting ticket,
// scores candidates and binds the best mutually compatible pair. A background
// sweeper expires tickets abandoned by callers that never returned to poll,
// for example after a node crash.
type LocalMatchmaker struct {
	logger  *zap.Logger
	node    string
	config  Config
	store   TicketStore
	status  TicketStatusRegistry
	metrics Metrics

	searches    *atomic.Int64
	stopped     *atomic.Bool
	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

func NewLocalMatchmaker(logger *zap.Logger, config Config, store TicketStore, status TicketStatusRegistry, metrics Metrics) Matchmaker {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	m := &LocalMatchmaker{
		logger:  logger,
		node:    config.GetName(),
		config:  config,
		store:   store,
		status:  status,
		metrics: metrics,

		searches:    atomic.NewInt64(0),
		stopped:     atomic.NewBool(false),
		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}

	go func() {
		ticker := time.NewTicker(time.Duration(config.GetMatchmaker().IntervalMs) * time.Millisecond)
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				m.expireOverdue()
			}
		}
	}()

	return m
}

func (m *LocalMatchmaker) Stop() {
	m.stopped.Store(true)
	m.ctxCancelFn()
}

func (m *LocalMatchmaker) ActiveSearches() int64 {
	return m.searches.Load()
}

func (m *LocalMatchmaker) Run(ctx context.Context, ticket *Ticket, progressFn func(*SearchProgress)) (*TicketEvent, error) {
	if m.stopped.Load() {
		return nil, StatusError(CodeUnavailable, "Matchmaker shutting down.", nil)
	}

	m.metrics.GaugeActiveSearches(float64(m.searches.Inc()))
	defer func() {
		m.metrics.GaugeActiveSearches(float64(m.searches.Dec()))
	}()

	events, closeWatch := m.store.WatchTicket(ticket.ID)
	defer closeWatch()

	interval := time.Duration(m.config.GetMatchmaker().IntervalMs) * time.Millisecond

	var failures int
	for {
		if ctx.Err() != nil {
			return m.cancelSearch(ticket)
		}

		event, opErr, done := m.pollOnce(ticket, progressFn, &failures)
		if done {
			return event, opErr
		}

		select {
		case <-ctx.Done():
			return m.cancelSearch(ticket)
		case <-m.ctx.Done():
			return nil, StatusError(CodeUnavailable, "Matchmaker shutting down.", nil)
		case event, ok := <-events:
			if ok && event != nil {
				return event, nil
			}
			// Watch closed without an event, the next poll resolves the
			// final status.
			events = nil
		case <-time.After(interval):
		}
	}
}

// pollOnce runs a single poll pass for one ticket. It reports done=true with
// the terminal transition when the search ended, otherwise the caller sleeps
// one interval and polls again. Store operations run on the matchmaker
// context rather than the request context so a client disconnect cannot
// abort a half applied transition.
func (m *LocalMatchmaker) pollOnce(ticket *Ticket, progressFn func(*SearchProgress), failures *int) (*TicketEvent, error, bool) {
	tickStart := time.Now()

	// Another request, node or the sweeper may have ended this search while
	// we slept.
	current, err := m.store.GetTicket(m.ctx, ticket.ID)
	if err != nil {
		if ErrorCode(err) == CodeNotFound {
			event, opErr := m.recoverConsumedTicket(ticket)
			return event, opErr, true
		}
		return m.storeFailure(ticket, err, failures)
	}
	*failures = 0
	if current.Status != TicketStatusWaiting {
		return m.resolveTerminal(current), nil, true
	}

	waited := time.Since(ticket.CreateTime)
	if waited >= time.Duration(m.config.GetMatchmaker().TimeoutSec)*time.Second {
		return m.expireSearch(ticket, failures)
	}

	threshold := MatchThreshold(m.config.GetMatchmaker(), waited)

	candidates, err := m.store.ListWaiting(m.ctx, ticket.Area, ticket.UserID, ticket.ID)
	if err != nil {
		return m.storeFailure(ticket, err, failures)
	}
	*failures = 0

	eligible := make([]*scoredCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		candidateWait := time.Since(candidate.CreateTime)
		score, err := CompatibilityScore(m.config.GetMatchmaker(), ticket, candidate, waited, candidateWait)
		if err != nil {
			continue
		}
		if score < threshold {
			continue
		}
		minWait := waited
		if candidateWait < minWait {
			minWait = candidateWait
		}
		ratingGap := ticket.Rating - candidate.Rating
		if ratingGap < 0 {
			ratingGap = -ratingGap
		}
		eligible = append(eligible, &scoredCandidate{
			ticket:    candidate,
			score:     score,
			minWait:   minWait,
			ratingGap: ratingGap,
		})
	}

	m.metrics.Matchmaker(float64(len(candidates)), float64(len(eligible)), time.Since(tickStart))

	if len(eligible) == 0 {
		if progressFn != nil {
			progressFn(&SearchProgress{Threshold: threshold, Candidates: len(candidates), Waited: waited})
		}
		return nil, nil, false
	}

	// Best score first, then the pair that has waited longest, then the
	// narrowest rating gap, then the oldest ticket.
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].score != eligible[j].score {
			return eligible[i].score > eligible[j].score
		}
		if eligible[i].minWait != eligible[j].minWait {
			return eligible[i].minWait > eligible[j].minWait
		}
		if eligible[i].ratingGap != eligible[j].ratingGap {
			return eligible[i].ratingGap < eligible[j].ratingGap
		}
		return eligible[i].ticket.ID < eligible[j].ticket.ID
	})

	for _, candidate := range eligible {
		matchID, err := m.store.TryBind(m.ctx, ticket.ID, candidate.ticket.ID, candidate.score)
		if err != nil {
			if ErrorCode(err) == CodeConflict {
				// Lost the race for this candidate, try the next one.
				continue
			}
			return m.storeFailure(ticket, err, failures)
		}
		*failures = 0
		m.logger.Debug("Matchmaker bound tickets.", zap.String("node", m.node), zap.Int64("ticket_id", ticket.ID), zap.Int64("opponent_ticket_id", candidate.ticket.ID), zap.Int64("match_id", matchID), zap.Float64("score", candidate.score))
		return &TicketEvent{
			TicketID: ticket.ID,
			UserID:   ticket.UserID,
			Status:   TicketStatusMatched,
			MatchID:  matchID,
		}, nil, true
	}

	// Every eligible candidate was taken while we were binding.
	if progressFn != nil {
		progressFn(&SearchProgress{Threshold: threshold, Candidates: len(candidates), Waited: waited})
	}
	return nil, nil, false
}

type scoredCandidate struct {
	ticket    *Ticket
	score     float64
	minWait   time.Duration
	ratingGap int
}

// expireSearch ends a search that exceeded the matchmaker timeout. The
// conditional expiry loses gracefully to a concurrent bind, the follow up
// read reports whichever transition actually won.
func (m *LocalMatchmaker) expireSearch(ticket *Ticket, failures *int) (*TicketEvent, error, bool) {
	if err := m.store.Expire(m.ctx, ticket.ID, TicketReasonTimeout); err != nil {
		return m.storeFailure(ticket, err, failures)
	}
	current, err := m.store.GetTicket(m.ctx, ticket.ID)
	if err != nil {
		if ErrorCode(err) == CodeNotFound {
			event, opErr := m.recoverConsumedTicket(ticket)
			return event, opErr, true
		}
		return m.storeFailure(ticket, err, failures)
	}
	*failures = 0
	if current.Status == TicketStatusWaiting {
		return nil, nil, false
	}
	return m.resolveTerminal(current), nil, true
}

// storeFailure counts consecutive store errors for one search. When the
// configured limit is reached the ticket is expired with the store-error
// reason and the failure is surfaced to the caller.
func (m *LocalMatchmaker) storeFailure(ticket *Ticket, err error, failures *int) (*TicketEvent, error, bool) {
	*failures++
	if *failures < m.config.GetMatchmaker().MaxStoreRetries {
		m.logger.Warn("Matchmaker store error, skipping poll.", zap.Int64("ticket_id", ticket.ID), zap.Int("consecutive_failures", *failures), zap.Error(err))
		return nil, nil, false
	}

	m.logger.Error("Matchmaker abandoning search after repeated store errors.", zap.Int64("ticket_id", ticket.ID), zap.Int("consecutive_failures", *failures), zap.Error(err))
	event := &TicketEvent{
		TicketID: ticket.ID,
		UserID:   ticket.UserID,
		Status:   TicketStatusExpired,
		Reason:   TicketReasonStoreError,
	}
	if expireErr := m.store.Expire(m.ctx, ticket.ID, TicketReasonStoreError); expireErr != nil {
		m.logger.Error("Failed to expire ticket after repeated store errors.", zap.Int64("ticket_id", ticket.ID), zap.Error(expireErr))
		// The row keeps its waiting status until the store recovers and the
		// sweeper picks it up. Local watchers still need to see the end of
		// the search.
		m.status.Publish(event)
	}
	return event, StatusError(CodeUnavailable, "Matchmaking store unavailable.", err), true
}

// resolveTerminal converts a ticket row already in a terminal status into the
// transition event for that status. The republish lets transitions applied by
// another node reach local watchers, the registry drops it when the watch was
// already closed.
func (m *LocalMatchmaker) resolveTerminal(ticket *Ticket) *TicketEvent {
	event := &TicketEvent{
		TicketID: ticket.ID,
		UserID:   ticket.UserID,
		Status:   ticket.Status,
	}
	switch ticket.Status {
	case TicketStatusMatched:
		event.MatchID = ticket.BoundMatchID
	case TicketStatusExpired:
		event.Reason = ticket.Reason
	}
	m.status.Publish(event)
	return event
}

// recoverConsumedTicket reports the outcome of a search whose ticket row was
// deleted by a finished match before the search observed the bind.
func (m *LocalMatchmaker) recoverConsumedTicket(ticket *Ticket) (*TicketEvent, error) {
	match, err := m.store.GetMatchByTicket(m.ctx, ticket.ID)
	if err != nil {
		return nil, StatusError(CodeUnavailable, "Ticket vanished without a recorded match.", err)
	}
	event := &TicketEvent{
		TicketID: ticket.ID,
		UserID:   ticket.UserID,
		Status:   TicketStatusMatched,
		MatchID:  match.ID,
	}
	m.status.Publish(event)
	return event, nil
}

// cancelSearch ends a search whose caller went away. The cancel is tri-state,
// a ticket that was bound or expired while the cancel was in flight reports
// the transition that actually happened.
func (m *LocalMatchmaker) cancelSearch(ticket *Ticket) (*TicketEvent, error) {
	result, err := m.store.Cancel(m.ctx, ticket.ID)
	if err != nil {
		if ErrorCode(err) == CodeNotFound {
			return m.recoverConsumedTicket(ticket)
		}
		return nil, err
	}
	if result == CancelResultCancelled {
		return &TicketEvent{
			TicketID: ticket.ID,
			UserID:   ticket.UserID,
			Status:   TicketStatusCancelled,
		}, nil
	}

	current, err := m.store.GetTicket(m.ctx, ticket.ID)
	if err != nil {
		if ErrorCode(err) == CodeNotFound {
			return m.recoverConsumedTicket(ticket)
		}
		return nil, err
	}
	return m.resolveTerminal(current), nil
}

func (m *LocalMatchmaker) expireOverdue() {
	olderThan := time.Now().UTC().Add(-time.Duration(m.config.GetMatchmaker().TimeoutSec) * time.Second)
	count, err := m.store.ExpireOverdue(m.ctx, olderThan)
	if err != nil {
		m.logger.Error("Failed to expire overdue tickets.", zap.Error(err))
		return
	}
	if count > 0 {
		m.logger.Debug("Expired overdue tickets.", zap.String("node", m.node), zap.Int("count", count))
	}
}
