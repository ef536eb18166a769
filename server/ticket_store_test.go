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
	"encoding/json"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofrs/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

// captureStatusRegistry records published events for assertion.
type captureStatusRegistry struct {
	sync.Mutex
	events []*TicketEvent
}

var _ TicketStatusRegistry = (*captureStatusRegistry)(nil)

func (r *captureStatusRegistry) Stop() {}
func (r *captureStatusRegistry) Subscribe(ticketID int64) (<-chan *TicketEvent, func()) {
	return make(chan *TicketEvent), func() {}
}
func (r *captureStatusRegistry) Publish(event *TicketEvent) {
	r.Lock()
	r.events = append(r.events, event)
	r.Unlock()
}
func (r *captureStatusRegistry) published() []*TicketEvent {
	r.Lock()
	defer r.Unlock()
	return append([]*TicketEvent(nil), r.events...)
}

func createTestTicketStore(t fatalable) (*SQLTicketStore, sqlmock.Sqlmock, *captureStatusRegistry, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error opening mock database: %v", err)
	}
	logger := NewJSONLogger(os.Stdout, zapcore.ErrorLevel, JSONFormat)
	registry := &captureStatusRegistry{}
	store := NewSQLTicketStore(logger, NewConfig(logger), db, registry, &testMetrics{})
	return store, mock, registry, func() { _ = db.Close() }
}

func userRowColumns() []string {
	return []string{"id", "username", "rating", "area", "preferences", "create_time", "update_time"}
}

func TestTicketStoreGetUser(t *testing.T) {
	store, mock, _, cleanup := createTestTicketStore(t)
	defer cleanup()

	userID := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, username, rating, area, preferences, create_time, update_time FROM users WHERE id = $1")).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(userRowColumns()).
			AddRow(userID.String(), "ana", 1200, "eu", []byte(`[0.5,0.7]`), now, now))

	user, err := store.GetUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("error getting user: %v", err)
	}
	assert.Equal(t, userID, user.ID)
	assert.Equal(t, "ana", user.Username)
	assert.Equal(t, 1200, user.Rating)
	assert.Equal(t, "eu", user.Area)
	assert.Equal(t, []float64{0.5, 0.7}, user.Preferences)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketStoreGetUserNotFound(t *testing.T) {
	store, mock, _, cleanup := createTestTicketStore(t)
	defer cleanup()

	userID := uuid.Must(uuid.NewV4())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, username, rating, area, preferences, create_time, update_time FROM users WHERE id = $1")).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(userRowColumns()))

	_, err := store.GetUser(context.Background(), userID)
	if err == nil {
		t.Fatal("expected error for unknown user")
	}
	assert.Equal(t, CodeNotFound, ErrorCode(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketStoreCreateTicket(t *testing.T) {
	store, mock, _, cleanup := createTestTicketStore(t)
	defer cleanup()

	userID := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()
	snapshot, _ := json.Marshal(&ticketSnapshot{Rating: 1200, Preferences: []float64{0.5}})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, username, rating, area, preferences, create_time, update_time FROM users WHERE id = $1")).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(userRowColumns()).
			AddRow(userID.String(), "ana", 1200, "eu", []byte(`[0.5]`), now, now))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO mm_ticket (user_id, status, area, snapshot)")).
		WithArgs(userID, TicketStatusWaiting, "eu", snapshot).
		WillReturnRows(sqlmock.NewRows([]string{"id", "create_time", "update_time"}).AddRow(int64(7), now, now))
	mock.ExpectCommit()

	ticket, err := store.CreateTicket(context.Background(), userID)
	if err != nil {
		t.Fatalf("error creating ticket: %v", err)
	}
	assert.Equal(t, int64(7), ticket.ID)
	assert.Equal(t, userID, ticket.UserID)
	assert.Equal(t, TicketStatusWaiting, ticket.Status)
	assert.Equal(t, "eu", ticket.Area)
	assert.Equal(t, 1200, ticket.Rating)
	assert.Equal(t, []float64{0.5}, ticket.Preferences)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketStoreCreateTicketAlreadyQueued(t *testing.T) {
	store, mock, _, cleanup := createTestTicketStore(t)
	defer cleanup()

	userID := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, username, rating, area, preferences, create_time, update_time FROM users WHERE id = $1")).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(userRowColumns()).
			AddRow(userID.String(), "ana", 1200, "eu", nil, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO mm_ticket (user_id, status, area, snapshot)")).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "live_ticket_user_id_uniq"})
	mock.ExpectRollback()

	_, err := store.CreateTicket(context.Background(), userID)
	if err == nil {
		t.Fatal("expected conflict for queued user")
	}
	assert.Equal(t, CodeConflict, ErrorCode(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketStoreListWaiting(t *testing.T) {
	store, mock, _, cleanup := createTestTicketStore(t)
	defer cleanup()

	excludeUser := uuid.Must(uuid.NewV4())
	otherUser := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()
	columns := []string{"id", "user_id", "status", "area", "snapshot", "reason", "bound_match_id", "create_time", "update_time"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM mm_ticket")).
		WithArgs(TicketStatusWaiting, "eu", excludeUser, int64(9), sqlmock.AnyArg(), 50).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(int64(3), otherUser.String(), TicketStatusWaiting, "eu", []byte(`{"rating":1100,"preferences":[0.5]}`), nil, nil, now, now))

	tickets, err := store.ListWaiting(context.Background(), "eu", excludeUser, 9)
	if err != nil {
		t.Fatalf("error listing waiting tickets: %v", err)
	}
	if len(tickets) != 1 {
		t.Fatalf("expected 1 ticket, got %d", len(tickets))
	}
	assert.Equal(t, int64(3), tickets[0].ID)
	assert.Equal(t, otherUser, tickets[0].UserID)
	assert.Equal(t, 1100, tickets[0].Rating)
	assert.Equal(t, []float64{0.5}, tickets[0].Preferences)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketStoreTryBind(t *testing.T) {
	store, mock, registry, cleanup := createTestTicketStore(t)
	defer cleanup()

	userA := uuid.Must(uuid.NewV4())
	userB := uuid.Must(uuid.NewV4())
	lockColumns := []string{"user_id", "status", "area"}

	// Tickets are locked in ascending id order no matter the argument order.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, status, area FROM mm_ticket WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(lockColumns).AddRow(userA.String(), TicketStatusWaiting, "eu"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, status, area FROM mm_ticket WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(lockColumns).AddRow(userB.String(), TicketStatusWaiting, "eu"))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO match_tx (user_a, user_b, ticket_a, ticket_b, status, compat_score)")).
		WithArgs(userA, userB, int64(3), int64(5), MatchStatusActive, 7.5).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE mm_ticket SET status = $1, bound_match_id = $2, update_time = now() WHERE id IN ($3, $4)")).
		WithArgs(TicketStatusMatched, int64(42), int64(3), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	matchID, err := store.TryBind(context.Background(), 5, 3, 7.5)
	if err != nil {
		t.Fatalf("error binding tickets: %v", err)
	}
	assert.Equal(t, int64(42), matchID)

	events := registry.published()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	assert.Equal(t, int64(3), events[0].TicketID)
	assert.Equal(t, int64(5), events[1].TicketID)
	for _, event := range events {
		assert.Equal(t, TicketStatusMatched, event.Status)
		assert.Equal(t, int64(42), event.MatchID)
	}

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketStoreTryBindLostRace(t *testing.T) {
	store, mock, registry, cleanup := createTestTicketStore(t)
	defer cleanup()

	userA := uuid.Must(uuid.NewV4())
	userB := uuid.Must(uuid.NewV4())
	lockColumns := []string{"user_id", "status", "area"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, status, area FROM mm_ticket WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(lockColumns).AddRow(userA.String(), TicketStatusMatched, "eu"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, status, area FROM mm_ticket WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(lockColumns).AddRow(userB.String(), TicketStatusWaiting, "eu"))
	mock.ExpectRollback()

	_, err := store.TryBind(context.Background(), 3, 5, 7.5)
	if err == nil {
		t.Fatal("expected conflict for consumed ticket")
	}
	assert.Equal(t, CodeConflict, ErrorCode(err))
	assert.Empty(t, registry.published())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketStoreExpire(t *testing.T) {
	store, mock, registry, cleanup := createTestTicketStore(t)
	defer cleanup()

	userID := uuid.Must(uuid.NewV4())
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE mm_ticket SET status = $1, reason = $2, update_time = now()")).
		WithArgs(TicketStatusExpired, TicketReasonTimeout, int64(3), TicketStatusWaiting).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(userID.String()))

	if err := store.Expire(context.Background(), 3, TicketReasonTimeout); err != nil {
		t.Fatalf("error expiring ticket: %v", err)
	}

	events := registry.published()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	assert.Equal(t, TicketStatusExpired, events[0].Status)
	assert.Equal(t, TicketReasonTimeout, events[0].Reason)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketStoreExpireAlreadyTerminal(t *testing.T) {
	store, mock, registry, cleanup := createTestTicketStore(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE mm_ticket SET status = $1, reason = $2, update_time = now()")).
		WithArgs(TicketStatusExpired, TicketReasonTimeout, int64(3), TicketStatusWaiting).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	// Losing the expiry race to a bind or cancel is not an error.
	if err := store.Expire(context.Background(), 3, TicketReasonTimeout); err != nil {
		t.Fatalf("error expiring ticket: %v", err)
	}
	assert.Empty(t, registry.published())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketStoreCancelAlreadyMatched(t *testing.T) {
	store, mock, registry, cleanup := createTestTicketStore(t)
	defer cleanup()

	userID := uuid.Must(uuid.NewV4())
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, status FROM mm_ticket WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "status"}).AddRow(userID.String(), TicketStatusMatched))
	mock.ExpectCommit()

	result, err := store.Cancel(context.Background(), 3)
	if err != nil {
		t.Fatalf("error cancelling ticket: %v", err)
	}
	assert.Equal(t, CancelResultAlreadyMatched, result)
	assert.Empty(t, registry.published())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketStoreFinishMatch(t *testing.T) {
	store, mock, _, cleanup := createTestTicketStore(t)
	defer cleanup()

	// Fixed IDs give a deterministic lock order: userB sorts before userA.
	userA := uuid.Must(uuid.FromString("22222222-2222-2222-2222-222222222222"))
	userB := uuid.Must(uuid.FromString("11111111-1111-1111-1111-111111111111"))
	matchColumns := []string{"user_a", "user_b", "ticket_a", "ticket_b", "status", "score_a", "score_b", "rating_before_a", "rating_before_b", "rating_after_a", "rating_after_b"}
	lockColumns := []string{"user_id", "status", "area"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM match_tx WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(matchColumns).
			AddRow(userA.String(), userB.String(), int64(5), int64(3), MatchStatusActive, nil, nil, nil, nil, nil, nil))
	// Player rows are locked in ascending user id order.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT rating FROM users WHERE id = $1 FOR UPDATE")).
		WithArgs(userB).
		WillReturnRows(sqlmock.NewRows([]string{"rating"}).AddRow(1000))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT rating FROM users WHERE id = $1 FOR UPDATE")).
		WithArgs(userA).
		WillReturnRows(sqlmock.NewRows([]string{"rating"}).AddRow(1000))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET rating = $1, update_time = now() WHERE id = $2")).
		WithArgs(984, userB).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET rating = $1, update_time = now() WHERE id = $2")).
		WithArgs(1016, userA).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE match_tx")).
		WithArgs(MatchStatusFinished, 11, 5, 1000, 1000, 1016, 984, int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Consumed tickets are locked in ascending id order, then deleted.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, status, area FROM mm_ticket WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(lockColumns).AddRow(userB.String(), TicketStatusMatched, "eu"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, status, area FROM mm_ticket WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(lockColumns).AddRow(userA.String(), TicketStatusMatched, "eu"))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM mm_ticket WHERE id IN ($1, $2)")).
		WithArgs(int64(3), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	change, err := store.FinishMatch(context.Background(), 42, 11, 5)
	if err != nil {
		t.Fatalf("error finishing match: %v", err)
	}
	assert.Equal(t, int64(42), change.MatchID)
	assert.Equal(t, 1000, change.BeforeA)
	assert.Equal(t, 1000, change.BeforeB)
	assert.Equal(t, 1016, change.AfterA)
	assert.Equal(t, 984, change.AfterB)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketStoreFinishMatchReplay(t *testing.T) {
	store, mock, _, cleanup := createTestTicketStore(t)
	defer cleanup()

	userA := uuid.Must(uuid.NewV4())
	userB := uuid.Must(uuid.NewV4())
	matchColumns := []string{"user_a", "user_b", "ticket_a", "ticket_b", "status", "score_a", "score_b", "rating_before_a", "rating_before_b", "rating_after_a", "rating_after_b"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM match_tx WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(matchColumns).
			AddRow(userA.String(), userB.String(), int64(5), int64(3), MatchStatusFinished, 11, 5, 1000, 1000, 1016, 984))
	mock.ExpectCommit()

	change, err := store.FinishMatch(context.Background(), 42, 11, 5)
	if err != nil {
		t.Fatalf("error replaying finished match: %v", err)
	}
	assert.Equal(t, 1016, change.AfterA)
	assert.Equal(t, 984, change.AfterB)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketStoreFinishMatchScoreMismatch(t *testing.T) {
	store, mock, _, cleanup := createTestTicketStore(t)
	defer cleanup()

	userA := uuid.Must(uuid.NewV4())
	userB := uuid.Must(uuid.NewV4())
	matchColumns := []string{"user_a", "user_b", "ticket_a", "ticket_b", "status", "score_a", "score_b", "rating_before_a", "rating_before_b", "rating_after_a", "rating_after_b"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM match_tx WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(matchColumns).
			AddRow(userA.String(), userB.String(), int64(5), int64(3), MatchStatusFinished, 11, 5, 1000, 1000, 1016, 984))
	mock.ExpectRollback()

	_, err := store.FinishMatch(context.Background(), 42, 5, 11)
	if err == nil {
		t.Fatal("expected conflict for mismatched replay score")
	}
	assert.Equal(t, CodeConflict, ErrorCode(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketStoreGetMatchByTicket(t *testing.T) {
	store, mock, _, cleanup := createTestTicketStore(t)
	defer cleanup()

	userA := uuid.Must(uuid.NewV4())
	userB := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()
	columns := []string{"id", "user_a", "user_b", "ticket_a", "ticket_b", "status", "score_a", "score_b", "compat_score", "rating_before_a", "rating_before_b", "rating_after_a", "rating_after_b", "create_time", "finish_time"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM match_tx WHERE ticket_a = $1 OR ticket_b = $1")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(int64(42), userA.String(), userB.String(), int64(3), int64(5), MatchStatusActive, nil, nil, 7.5, nil, nil, nil, nil, now, nil))

	match, err := store.GetMatchByTicket(context.Background(), 3)
	if err != nil {
		t.Fatalf("error getting match by ticket: %v", err)
	}
	assert.Equal(t, int64(42), match.ID)
	assert.Equal(t, userA, match.UserA)
	assert.Equal(t, MatchStatusActive, match.Status)
	assert.InDelta(t, 7.5, match.CompatScore, 0.0001)
	assert.True(t, match.FinishTime.IsZero())

	assert.NoError(t, mock.ExpectationsWereMet())
}
