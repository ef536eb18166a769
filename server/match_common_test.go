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
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// loggerForTest allows for easily adjusting log output produced by tests in one place
func loggerForTest(t *testing.T) *zap.Logger {
	return NewJSONLogger(os.Stdout, zapcore.ErrorLevel, JSONFormat)
}

type fatalable interface {
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// testMetrics implements the Metrics interface and does nothing
type testMetrics struct{}

func (s *testMetrics) Stop(logger *zap.Logger)                                        {}
func (s *testMetrics) Api(name string, elapsed time.Duration, isErr bool)             {}
func (s *testMetrics) Matchmaker(candidates, eligible float64, pt time.Duration)      {}
func (s *testMetrics) CountTicketsCreated(delta int64)                                {}
func (s *testMetrics) CountTicketsExpired(delta int64)                                {}
func (s *testMetrics) CountMatchesFormed(delta int64)                                 {}
func (s *testMetrics) CountBindConflicts(delta int64)                                 {}
func (s *testMetrics) GaugeActiveSearches(value float64)                              {}

// fakeTicketStore is an in-memory TicketStore with the same transition rules
// as the SQL implementation, for driving the matchmaker and API layers in
// tests without a database.
type fakeTicketStore struct {
	sync.Mutex
	registry TicketStatusRegistry

	nextTicketID int64
	nextMatchID  int64
	users        map[uuid.UUID]*User
	tickets      map[int64]*Ticket
	matches      map[int64]*Match

	// Error injection, consulted before the operation touches state. A nil
	// result lets the operation proceed.
	failGetTicket   func() error
	failListWaiting func() error
	failExpire      func() error

	// onTryBind runs at the top of TryBind, before any checks. Lets tests
	// lose a binding race on purpose.
	onTryBind func(ticketA, ticketB int64)
}

var _ TicketStore = (*fakeTicketStore)(nil)

func newFakeTicketStore(registry TicketStatusRegistry) *fakeTicketStore {
	return &fakeTicketStore{
		registry: registry,
		users:    make(map[uuid.UUID]*User),
		tickets:  make(map[int64]*Ticket),
		matches:  make(map[int64]*Match),
	}
}

func (s *fakeTicketStore) addUser(rating int, area string, preferences []float64) *User {
	s.Lock()
	defer s.Unlock()
	user := &User{
		ID:          uuid.Must(uuid.NewV4()),
		Username:    "player",
		Rating:      rating,
		Area:        area,
		Preferences: preferences,
		CreateTime:  time.Now().UTC(),
		UpdateTime:  time.Now().UTC(),
	}
	s.users[user.ID] = user
	return user
}

// backdateTicket shifts a ticket's enqueue time into the past so expiry paths
// trigger without real waiting.
func (s *fakeTicketStore) backdateTicket(ticketID int64, createTime time.Time) {
	s.Lock()
	defer s.Unlock()
	if ticket, ok := s.tickets[ticketID]; ok {
		ticket.CreateTime = createTime
	}
}

func (s *fakeTicketStore) getTicketCopy(ticketID int64) *Ticket {
	s.Lock()
	defer s.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return nil
	}
	copied := *ticket
	return &copied
}

func (s *fakeTicketStore) liveTicketForUser(userID uuid.UUID) *Ticket {
	for _, ticket := range s.tickets {
		if ticket.UserID == userID && (ticket.Status == TicketStatusWaiting || ticket.Status == TicketStatusMatched) {
			return ticket
		}
	}
	return nil
}

func (s *fakeTicketStore) CreateTicket(ctx context.Context, userID uuid.UUID) (*Ticket, error) {
	s.Lock()
	defer s.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, StatusError(CodeNotFound, "User not found.", nil)
	}
	if s.liveTicketForUser(userID) != nil {
		return nil, StatusError(CodeConflict, "Player already has a live ticket.", nil)
	}
	s.nextTicketID++
	ticket := &Ticket{
		ID:          s.nextTicketID,
		UserID:      userID,
		Status:      TicketStatusWaiting,
		Area:        user.Area,
		Rating:      user.Rating,
		Preferences: user.Preferences,
		CreateTime:  time.Now().UTC(),
		UpdateTime:  time.Now().UTC(),
	}
	s.tickets[ticket.ID] = ticket
	copied := *ticket
	return &copied, nil
}

func (s *fakeTicketStore) GetTicket(ctx context.Context, ticketID int64) (*Ticket, error) {
	s.Lock()
	defer s.Unlock()
	if s.failGetTicket != nil {
		if err := s.failGetTicket(); err != nil {
			return nil, err
		}
	}
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return nil, StatusError(CodeNotFound, "Ticket not found.", nil)
	}
	copied := *ticket
	return &copied, nil
}

func (s *fakeTicketStore) ListWaiting(ctx context.Context, area string, excludeUser uuid.UUID, excludeTicket int64) ([]*Ticket, error) {
	s.Lock()
	defer s.Unlock()
	if s.failListWaiting != nil {
		if err := s.failListWaiting(); err != nil {
			return nil, err
		}
	}
	tickets := make([]*Ticket, 0, len(s.tickets))
	for _, ticket := range s.tickets {
		if ticket.Status != TicketStatusWaiting || ticket.Area != area || ticket.UserID == excludeUser || ticket.ID == excludeTicket {
			continue
		}
		copied := *ticket
		tickets = append(tickets, &copied)
	}
	return tickets, nil
}

func (s *fakeTicketStore) TryBind(ctx context.Context, ticketA, ticketB int64, compatScore float64) (int64, error) {
	if s.onTryBind != nil {
		s.onTryBind(ticketA, ticketB)
	}

	s.Lock()
	first, second := ticketA, ticketB
	if second < first {
		first, second = second, first
	}
	firstTicket, okFirst := s.tickets[first]
	secondTicket, okSecond := s.tickets[second]
	if !okFirst || !okSecond {
		s.Unlock()
		return 0, StatusError(CodeConflict, "Ticket no longer exists.", nil)
	}
	if firstTicket.Status != TicketStatusWaiting || secondTicket.Status != TicketStatusWaiting {
		s.Unlock()
		return 0, StatusError(CodeConflict, "Ticket is no longer waiting.", nil)
	}
	if firstTicket.UserID == secondTicket.UserID {
		s.Unlock()
		return 0, StatusError(CodeConflict, "Tickets belong to the same player.", nil)
	}
	if firstTicket.Area != secondTicket.Area {
		s.Unlock()
		return 0, StatusError(CodeConflict, "Tickets are in different areas.", nil)
	}

	s.nextMatchID++
	matchID := s.nextMatchID
	s.matches[matchID] = &Match{
		ID:          matchID,
		UserA:       firstTicket.UserID,
		UserB:       secondTicket.UserID,
		TicketA:     first,
		TicketB:     second,
		Status:      MatchStatusActive,
		CompatScore: compatScore,
		CreateTime:  time.Now().UTC(),
	}
	firstTicket.Status = TicketStatusMatched
	firstTicket.BoundMatchID = matchID
	secondTicket.Status = TicketStatusMatched
	secondTicket.BoundMatchID = matchID
	events := []*TicketEvent{
		{TicketID: first, UserID: firstTicket.UserID, Status: TicketStatusMatched, MatchID: matchID},
		{TicketID: second, UserID: secondTicket.UserID, Status: TicketStatusMatched, MatchID: matchID},
	}
	s.Unlock()

	for _, event := range events {
		s.registry.Publish(event)
	}
	return matchID, nil
}

func (s *fakeTicketStore) Cancel(ctx context.Context, ticketID int64) (CancelResult, error) {
	s.Lock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		s.Unlock()
		return CancelResultAlreadyTerminal, StatusError(CodeNotFound, "Ticket not found.", nil)
	}
	var event *TicketEvent
	result := CancelResultAlreadyTerminal
	switch ticket.Status {
	case TicketStatusWaiting:
		ticket.Status = TicketStatusCancelled
		result = CancelResultCancelled
		event = &TicketEvent{TicketID: ticketID, UserID: ticket.UserID, Status: TicketStatusCancelled}
	case TicketStatusMatched:
		result = CancelResultAlreadyMatched
	}
	s.Unlock()

	if event != nil {
		s.registry.Publish(event)
	}
	return result, nil
}

func (s *fakeTicketStore) Expire(ctx context.Context, ticketID int64, reason string) error {
	s.Lock()
	if s.failExpire != nil {
		if err := s.failExpire(); err != nil {
			s.Unlock()
			return err
		}
	}
	ticket, ok := s.tickets[ticketID]
	if !ok || ticket.Status != TicketStatusWaiting {
		s.Unlock()
		return nil
	}
	ticket.Status = TicketStatusExpired
	ticket.Reason = reason
	event := &TicketEvent{TicketID: ticketID, UserID: ticket.UserID, Status: TicketStatusExpired, Reason: reason}
	s.Unlock()

	s.registry.Publish(event)
	return nil
}

func (s *fakeTicketStore) ExpireOverdue(ctx context.Context, olderThan time.Time) (int, error) {
	s.Lock()
	events := make([]*TicketEvent, 0, 2)
	for _, ticket := range s.tickets {
		if ticket.Status != TicketStatusWaiting || ticket.CreateTime.After(olderThan) {
			continue
		}
		ticket.Status = TicketStatusExpired
		ticket.Reason = TicketReasonTimeout
		events = append(events, &TicketEvent{TicketID: ticket.ID, UserID: ticket.UserID, Status: TicketStatusExpired, Reason: TicketReasonTimeout})
	}
	s.Unlock()

	for _, event := range events {
		s.registry.Publish(event)
	}
	return len(events), nil
}

func (s *fakeTicketStore) StartMatch(ctx context.Context, userA, userB uuid.UUID) (int64, error) {
	if userA == userB {
		return 0, StatusError(CodeInvalidArgument, "Cannot start a match between a player and themselves.", nil)
	}
	if bytes.Compare(userB.Bytes(), userA.Bytes()) < 0 {
		userA, userB = userB, userA
	}

	s.Lock()
	defer s.Unlock()
	profileA, okA := s.users[userA]
	profileB, okB := s.users[userB]
	if !okA || !okB {
		return 0, StatusError(CodeNotFound, "User not found.", nil)
	}
	if s.liveTicketForUser(userA) != nil || s.liveTicketForUser(userB) != nil {
		return 0, StatusError(CodeConflict, "Player already has a live ticket.", nil)
	}

	s.nextMatchID++
	matchID := s.nextMatchID
	insertTicket := func(user *User) int64 {
		s.nextTicketID++
		s.tickets[s.nextTicketID] = &Ticket{
			ID:           s.nextTicketID,
			UserID:       user.ID,
			Status:       TicketStatusMatched,
			Area:         user.Area,
			Rating:       user.Rating,
			Preferences:  user.Preferences,
			BoundMatchID: matchID,
			CreateTime:   time.Now().UTC(),
		}
		return s.nextTicketID
	}
	ticketA := insertTicket(profileA)
	ticketB := insertTicket(profileB)
	s.matches[matchID] = &Match{
		ID:         matchID,
		UserA:      userA,
		UserB:      userB,
		TicketA:    ticketA,
		TicketB:    ticketB,
		Status:     MatchStatusActive,
		CreateTime: time.Now().UTC(),
	}
	return matchID, nil
}

func (s *fakeTicketStore) GetMatch(ctx context.Context, matchID int64) (*Match, error) {
	s.Lock()
	defer s.Unlock()
	match, ok := s.matches[matchID]
	if !ok {
		return nil, StatusError(CodeNotFound, "Match not found.", nil)
	}
	copied := *match
	return &copied, nil
}

func (s *fakeTicketStore) GetMatchByTicket(ctx context.Context, ticketID int64) (*Match, error) {
	s.Lock()
	defer s.Unlock()
	var latest *Match
	for _, match := range s.matches {
		if match.TicketA != ticketID && match.TicketB != ticketID {
			continue
		}
		if latest == nil || match.ID > latest.ID {
			latest = match
		}
	}
	if latest == nil {
		return nil, StatusError(CodeNotFound, "Match not found.", nil)
	}
	copied := *latest
	return &copied, nil
}

func (s *fakeTicketStore) CancelMatch(ctx context.Context, matchID int64) error {
	s.Lock()
	match, ok := s.matches[matchID]
	if !ok {
		s.Unlock()
		return StatusError(CodeNotFound, "Match not found.", nil)
	}
	if match.Status != MatchStatusActive {
		s.Unlock()
		return StatusError(CodeConflict, "Match is not active.", nil)
	}
	match.Status = MatchStatusCancelled
	events := make([]*TicketEvent, 0, 2)
	for _, ticketID := range []int64{match.TicketA, match.TicketB} {
		if ticket, ok := s.tickets[ticketID]; ok {
			ticket.Status = TicketStatusCancelled
			events = append(events, &TicketEvent{TicketID: ticketID, UserID: ticket.UserID, Status: TicketStatusCancelled})
		}
	}
	s.Unlock()

	for _, event := range events {
		s.registry.Publish(event)
	}
	return nil
}

func (s *fakeTicketStore) FinishMatch(ctx context.Context, matchID int64, scoreA, scoreB int) (*RatingChange, error) {
	outcome, err := OutcomeFromScore(scoreA, scoreB)
	if err != nil {
		return nil, err
	}

	s.Lock()
	defer s.Unlock()
	match, ok := s.matches[matchID]
	if !ok {
		return nil, StatusError(CodeNotFound, "Match not found.", nil)
	}
	switch match.Status {
	case MatchStatusCancelled:
		return nil, StatusError(CodeConflict, "Match is not active.", nil)
	case MatchStatusFinished:
		if match.ScoreA == scoreA && match.ScoreB == scoreB {
			return &RatingChange{
				MatchID: matchID,
				UserA:   match.UserA,
				UserB:   match.UserB,
				BeforeA: match.RatingBeforeA,
				BeforeB: match.RatingBeforeB,
				AfterA:  match.RatingAfterA,
				AfterB:  match.RatingAfterB,
			}, nil
		}
		return nil, StatusError(CodeConflict, "Match already finished with a different score.", nil)
	}

	userA := s.users[match.UserA]
	userB := s.users[match.UserB]
	beforeA, beforeB := userA.Rating, userB.Rating
	afterA, afterB := NewRatings(beforeA, beforeB, outcome, 32)
	userA.Rating = afterA
	userB.Rating = afterB

	match.Status = MatchStatusFinished
	match.ScoreA, match.ScoreB = scoreA, scoreB
	match.RatingBeforeA, match.RatingBeforeB = beforeA, beforeB
	match.RatingAfterA, match.RatingAfterB = afterA, afterB
	match.FinishTime = time.Now().UTC()
	delete(s.tickets, match.TicketA)
	delete(s.tickets, match.TicketB)

	return &RatingChange{
		MatchID: matchID,
		UserA:   match.UserA,
		UserB:   match.UserB,
		BeforeA: beforeA,
		BeforeB: beforeB,
		AfterA:  afterA,
		AfterB:  afterB,
	}, nil
}

func (s *fakeTicketStore) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	s.Lock()
	defer s.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, StatusError(CodeNotFound, "User not found.", nil)
	}
	copied := *user
	return &copied, nil
}

func (s *fakeTicketStore) WatchTicket(ticketID int64) (<-chan *TicketEvent, func()) {
	return s.registry.Subscribe(ticketID)
}

// createTestMatchmaker creates a LocalMatchmaker over a fakeTicketStore,
// minimally configured for testing purposes. configFn may adjust matchmaker
// settings before any component starts.
func createTestMatchmaker(t fatalable, logger *zap.Logger, configFn func(*MatchmakerConfig)) (*LocalMatchmaker, *fakeTicketStore, func()) {
	cfg := NewConfig(logger)
	cfg.GetMatchmaker().IntervalMs = 20
	if configFn != nil {
		configFn(cfg.GetMatchmaker())
	}

	registry := NewLocalTicketStatusRegistry(logger, cfg)
	store := newFakeTicketStore(registry)
	matchmaker := NewLocalMatchmaker(logger, cfg, store, registry, &testMetrics{})

	cleanup := func() {
		matchmaker.Stop()
		registry.Stop()
	}
	return matchmaker.(*LocalMatchmaker), store, cleanup
}
