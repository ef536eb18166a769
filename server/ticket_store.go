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
	"database/sql"
	"encoding/json"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgtype"
	"go.uber.org/zap"
)

type TicketStatus int16

const (
	TicketStatusWaiting TicketStatus = iota
	TicketStatusMatched
	TicketStatusCancelled
	TicketStatusExpired
)

func (s TicketStatus) String() string {
	switch s {
	case TicketStatusWaiting:
		return "waiting"
	case TicketStatusMatched:
		return "matched"
	case TicketStatusCancelled:
		return "cancelled"
	case TicketStatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

type MatchStatus int16

const (
	MatchStatusActive MatchStatus = iota
	MatchStatusFinished
	MatchStatusCancelled
)

// CancelResult reports what a ticket cancellation request actually did.
type CancelResult int

const (
	CancelResultCancelled CancelResult = iota
	CancelResultAlreadyTerminal
	CancelResultAlreadyMatched
)

// Expiry reasons recorded on the ticket row.
const (
	TicketReasonTimeout    = "timeout"
	TicketReasonStoreError = "store-error"
)

type User struct {
	ID          uuid.UUID
	Username    string
	Rating      int
	Area        string
	Preferences []float64
	CreateTime  time.Time
	UpdateTime  time.Time
}

// Ticket is a player's standing request to be matched. Rating and
// Preferences are frozen at enqueue time, the live user row may have moved on.
type Ticket struct {
	ID           int64
	UserID       uuid.UUID
	Status       TicketStatus
	Area         string
	Rating       int
	Preferences  []float64
	Reason       string
	BoundMatchID int64
	CreateTime   time.Time
	UpdateTime   time.Time
}

type Match struct {
	ID            int64
	UserA         uuid.UUID
	UserB         uuid.UUID
	TicketA       int64
	TicketB       int64
	Status        MatchStatus
	ScoreA        int
	ScoreB        int
	CompatScore   float64
	RatingBeforeA int
	RatingBeforeB int
	RatingAfterA  int
	RatingAfterB  int
	CreateTime    time.Time
	FinishTime    time.Time
}

// RatingChange is the result of settling a match: both players' ratings
// before and after the Elo update.
type RatingChange struct {
	MatchID int64
	UserA   uuid.UUID
	UserB   uuid.UUID
	BeforeA int
	BeforeB int
	AfterA  int
	AfterB  int
}

// ticketSnapshot is the profile state frozen into a ticket at enqueue time.
type ticketSnapshot struct {
	Rating      int       `json:"rating"`
	Preferences []float64 `json:"preferences"`
}

// TicketStore is the only component permitted to touch persistent matchmaking
// state. Every operation is a single borrow-use-return unit against the
// connection pool, long running callers must not hold an operation open
// across sleeps or stream waits.
type TicketStore interface {
	CreateTicket(ctx context.Context, userID uuid.UUID) (*Ticket, error)
	GetTicket(ctx context.Context, ticketID int64) (*Ticket, error)
	ListWaiting(ctx context.Context, area string, excludeUser uuid.UUID, excludeTicket int64) ([]*Ticket, error)
	TryBind(ctx context.Context, ticketA, ticketB int64, compatScore float64) (int64, error)
	Cancel(ctx context.Context, ticketID int64) (CancelResult, error)
	Expire(ctx context.Context, ticketID int64, reason string) error
	ExpireOverdue(ctx context.Context, olderThan time.Time) (int, error)
	StartMatch(ctx context.Context, userA, userB uuid.UUID) (int64, error)
	GetMatch(ctx context.Context, matchID int64) (*Match, error)
	GetMatchByTicket(ctx context.Context, ticketID int64) (*Match, error)
	CancelMatch(ctx context.Context, matchID int64) error
	FinishMatch(ctx context.Context, matchID int64, scoreA, scoreB int) (*RatingChange, error)
	GetUser(ctx context.Context, userID uuid.UUID) (*User, error)
	WatchTicket(ticketID int64) (<-chan *TicketEvent, func())
}

type SQLTicketStore struct {
	logger         *zap.Logger
	config         Config
	db             *sql.DB
	statusRegistry TicketStatusRegistry
	metrics        Metrics
}

func NewSQLTicketStore(logger *zap.Logger, config Config, db *sql.DB, statusRegistry TicketStatusRegistry, metrics Metrics) *SQLTicketStore {
	return &SQLTicketStore{
		logger:         logger,
		config:         config,
		db:             db,
		statusRegistry: statusRegistry,
		metrics:        metrics,
	}
}

const (
	userSelectFields   = "id, username, rating, area, preferences, create_time, update_time"
	ticketSelectFields = "id, user_id, status, area, snapshot, reason, bound_match_id, create_time, update_time"
	matchSelectFields  = "id, user_a, user_b, ticket_a, ticket_b, status, score_a, score_b, compat_score, rating_before_a, rating_before_b, rating_after_a, rating_after_b, create_time, finish_time"
)

func scanUser(row Scannable) (*User, error) {
	var preferences []byte
	var createTime, updateTime pgtype.Timestamptz
	user := &User{}
	if err := row.Scan(&user.ID, &user.Username, &user.Rating, &user.Area, &preferences, &createTime, &updateTime); err != nil {
		return nil, err
	}
	if len(preferences) > 0 {
		if err := json.Unmarshal(preferences, &user.Preferences); err != nil {
			return nil, err
		}
	}
	user.CreateTime = createTime.Time
	user.UpdateTime = updateTime.Time
	return user, nil
}

func scanTicket(row Scannable) (*Ticket, error) {
	var snapshot []byte
	var reason sql.NullString
	var boundMatchID sql.NullInt64
	var createTime, updateTime pgtype.Timestamptz
	ticket := &Ticket{}
	if err := row.Scan(&ticket.ID, &ticket.UserID, &ticket.Status, &ticket.Area, &snapshot, &reason, &boundMatchID, &createTime, &updateTime); err != nil {
		return nil, err
	}
	var snap ticketSnapshot
	if err := json.Unmarshal(snapshot, &snap); err != nil {
		return nil, err
	}
	ticket.Rating = snap.Rating
	ticket.Preferences = snap.Preferences
	ticket.Reason = reason.String
	ticket.BoundMatchID = boundMatchID.Int64
	ticket.CreateTime = createTime.Time
	ticket.UpdateTime = updateTime.Time
	return ticket, nil
}

func scanMatch(row Scannable) (*Match, error) {
	var scoreA, scoreB, beforeA, beforeB, afterA, afterB sql.NullInt64
	var compatScore sql.NullFloat64
	var createTime, finishTime pgtype.Timestamptz
	match := &Match{}
	if err := row.Scan(&match.ID, &match.UserA, &match.UserB, &match.TicketA, &match.TicketB, &match.Status,
		&scoreA, &scoreB, &compatScore, &beforeA, &beforeB, &afterA, &afterB, &createTime, &finishTime); err != nil {
		return nil, err
	}
	match.ScoreA = int(scoreA.Int64)
	match.ScoreB = int(scoreB.Int64)
	match.CompatScore = compatScore.Float64
	match.RatingBeforeA = int(beforeA.Int64)
	match.RatingBeforeB = int(beforeB.Int64)
	match.RatingAfterA = int(afterA.Int64)
	match.RatingAfterB = int(afterB.Int64)
	match.CreateTime = createTime.Time
	if finishTime.Status == pgtype.Present {
		match.FinishTime = finishTime.Time
	}
	return match, nil
}

func (s *SQLTicketStore) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userSelectFields+" FROM users WHERE id = $1", userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, StatusError(CodeNotFound, "User not found.", err)
		}
		s.logger.Error("Error querying user.", zap.String("user_id", userID.String()), zap.Error(err))
		return nil, err
	}
	return user, nil
}

func (s *SQLTicketStore) CreateTicket(ctx context.Context, userID uuid.UUID) (*Ticket, error) {
	var ticket *Ticket
	if err := ExecuteInTx(ctx, s.db, func(tx *sql.Tx) error {
		ticket = nil
		user, err := scanUser(tx.QueryRowContext(ctx, "SELECT "+userSelectFields+" FROM users WHERE id = $1", userID))
		if err != nil {
			if err == sql.ErrNoRows {
				return StatusError(CodeNotFound, "User not found.", err)
			}
			return err
		}

		snapshot, err := json.Marshal(&ticketSnapshot{Rating: user.Rating, Preferences: user.Preferences})
		if err != nil {
			return err
		}

		query := `
INSERT INTO mm_ticket (user_id, status, area, snapshot)
VALUES ($1, $2, $3, $4)
RETURNING id, create_time, update_time`
		var id int64
		var createTime, updateTime pgtype.Timestamptz
		if err := tx.QueryRowContext(ctx, query, userID, TicketStatusWaiting, user.Area, snapshot).Scan(&id, &createTime, &updateTime); err != nil {
			if dbIsUniqueViolation(err) {
				return StatusError(CodeConflict, "Player already has a live ticket.", err)
			}
			return err
		}

		ticket = &Ticket{
			ID:          id,
			UserID:      userID,
			Status:      TicketStatusWaiting,
			Area:        user.Area,
			Rating:      user.Rating,
			Preferences: user.Preferences,
			CreateTime:  createTime.Time,
			UpdateTime:  updateTime.Time,
		}
		return nil
	}); err != nil {
		if code := ErrorCode(err); code == CodeInternal {
			s.logger.Error("Error creating ticket.", zap.String("user_id", userID.String()), zap.Error(err))
		}
		return nil, err
	}

	s.metrics.CountTicketsCreated(1)
	return ticket, nil
}

func (s *SQLTicketStore) GetTicket(ctx context.Context, ticketID int64) (*Ticket, error) {
	ticket, err := scanTicket(s.db.QueryRowContext(ctx, "SELECT "+ticketSelectFields+" FROM mm_ticket WHERE id = $1", ticketID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, StatusError(CodeNotFound, "Ticket not found.", err)
		}
		s.logger.Error("Error querying ticket.", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return nil, err
	}
	return ticket, nil
}

// ListWaiting returns waiting tickets in the given area excluding the focal
// player and ticket. Tickets past the matchmaker timeout are never offered,
// a sweeper or their own poller expires them separately. The returned
// snapshots may already be stale, the binding step re-verifies under lock.
func (s *SQLTicketStore) ListWaiting(ctx context.Context, area string, excludeUser uuid.UUID, excludeTicket int64) ([]*Ticket, error) {
	mm := s.config.GetMatchmaker()
	cutoff := time.Now().UTC().Add(-time.Duration(mm.TimeoutSec) * time.Second)

	query := "SELECT " + ticketSelectFields + `
FROM mm_ticket
WHERE status = $1 AND area = $2 AND user_id <> $3 AND id <> $4 AND create_time > $5
LIMIT $6`
	rows, err := s.db.QueryContext(ctx, query, TicketStatusWaiting, area, excludeUser, excludeTicket, cutoff, mm.CandidateLimit)
	if err != nil {
		s.logger.Error("Error listing waiting tickets.", zap.String("area", area), zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	tickets := make([]*Ticket, 0, 10)
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			s.logger.Error("Error reading waiting ticket.", zap.String("area", area), zap.Error(err))
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("Error listing waiting tickets.", zap.String("area", area), zap.Error(err))
		return nil, err
	}
	return tickets, nil
}

// lockTicket acquires an exclusive row lock and returns the fields binding
// decisions depend on. A missing row is reported as a conflict: the ticket
// can already be consumed by a finished match.
func lockTicket(ctx context.Context, tx *sql.Tx, ticketID int64) (*Ticket, error) {
	ticket := &Ticket{ID: ticketID}
	err := tx.QueryRowContext(ctx, "SELECT user_id, status, area FROM mm_ticket WHERE id = $1 FOR UPDATE", ticketID).Scan(&ticket.UserID, &ticket.Status, &ticket.Area)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, StatusError(CodeConflict, "Ticket no longer exists.", err)
		}
		return nil, err
	}
	return ticket, nil
}

// TryBind commits a pairing of two waiting tickets. Both rows are locked in
// ascending ticket id order and re-verified before the match row is written,
// so any concurrent bind, cancel or expiry of either ticket turns this
// attempt into a conflict rather than a double booking.
func (s *SQLTicketStore) TryBind(ctx context.Context, ticketA, ticketB int64, compatScore float64) (int64, error) {
	if ticketA == ticketB {
		return 0, StatusError(CodeInvalidArgument, "Cannot bind a ticket to itself.", nil)
	}
	first, second := ticketA, ticketB
	if second < first {
		first, second = second, first
	}

	var matchID int64
	var userFirst, userSecond uuid.UUID
	if err := ExecuteInTx(ctx, s.db, func(tx *sql.Tx) error {
		firstTicket, err := lockTicket(ctx, tx, first)
		if err != nil {
			return err
		}
		secondTicket, err := lockTicket(ctx, tx, second)
		if err != nil {
			return err
		}
		if firstTicket.Status != TicketStatusWaiting || secondTicket.Status != TicketStatusWaiting {
			return StatusError(CodeConflict, "Ticket is no longer waiting.", nil)
		}
		if firstTicket.UserID == secondTicket.UserID {
			return StatusError(CodeConflict, "Tickets belong to the same player.", nil)
		}
		if firstTicket.Area != secondTicket.Area {
			return StatusError(CodeConflict, "Tickets are in different areas.", nil)
		}

		// The lower ticket id is conventionally side A of the pairing.
		query := `
INSERT INTO match_tx (user_a, user_b, ticket_a, ticket_b, status, compat_score)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`
		if err := tx.QueryRowContext(ctx, query, firstTicket.UserID, secondTicket.UserID, first, second, MatchStatusActive, compatScore).Scan(&matchID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, "UPDATE mm_ticket SET status = $1, bound_match_id = $2, update_time = now() WHERE id IN ($3, $4)", TicketStatusMatched, matchID, first, second)
		if err != nil {
			return err
		}
		if rowsAffected, _ := res.RowsAffected(); rowsAffected != 2 {
			return ErrRowsAffectedCount
		}

		userFirst, userSecond = firstTicket.UserID, secondTicket.UserID
		return nil
	}); err != nil {
		if ErrorCode(err) == CodeConflict {
			s.metrics.CountBindConflicts(1)
			return 0, err
		}
		s.logger.Error("Error binding tickets.", zap.Int64("ticket_a", ticketA), zap.Int64("ticket_b", ticketB), zap.Error(err))
		return 0, err
	}

	s.metrics.CountMatchesFormed(1)
	s.statusRegistry.Publish(&TicketEvent{TicketID: first, UserID: userFirst, Status: TicketStatusMatched, MatchID: matchID})
	s.statusRegistry.Publish(&TicketEvent{TicketID: second, UserID: userSecond, Status: TicketStatusMatched, MatchID: matchID})
	return matchID, nil
}

// Cancel transitions a waiting ticket to cancelled. Matched tickets are
// refused, the caller must cancel the match instead. Cancelling an already
// terminal ticket changes nothing.
func (s *SQLTicketStore) Cancel(ctx context.Context, ticketID int64) (CancelResult, error) {
	result := CancelResultAlreadyTerminal
	var event *TicketEvent
	if err := ExecuteInTx(ctx, s.db, func(tx *sql.Tx) error {
		event = nil
		var userID uuid.UUID
		var status TicketStatus
		err := tx.QueryRowContext(ctx, "SELECT user_id, status FROM mm_ticket WHERE id = $1 FOR UPDATE", ticketID).Scan(&userID, &status)
		if err != nil {
			if err == sql.ErrNoRows {
				return StatusError(CodeNotFound, "Ticket not found.", err)
			}
			return err
		}

		switch status {
		case TicketStatusWaiting:
			if _, err := tx.ExecContext(ctx, "UPDATE mm_ticket SET status = $1, update_time = now() WHERE id = $2", TicketStatusCancelled, ticketID); err != nil {
				return err
			}
			result = CancelResultCancelled
			event = &TicketEvent{TicketID: ticketID, UserID: userID, Status: TicketStatusCancelled}
		case TicketStatusMatched:
			result = CancelResultAlreadyMatched
		default:
			result = CancelResultAlreadyTerminal
		}
		return nil
	}); err != nil {
		if code := ErrorCode(err); code == CodeInternal {
			s.logger.Error("Error cancelling ticket.", zap.Int64("ticket_id", ticketID), zap.Error(err))
		}
		return result, err
	}

	if event != nil {
		s.statusRegistry.Publish(event)
	}
	return result, nil
}

// Expire transitions a waiting ticket to expired with the given reason. A
// no-op if the ticket already left the waiting state.
func (s *SQLTicketStore) Expire(ctx context.Context, ticketID int64, reason string) error {
	query := `
UPDATE mm_ticket SET status = $1, reason = $2, update_time = now()
WHERE id = $3 AND status = $4
RETURNING user_id`
	var userID uuid.UUID
	if err := s.db.QueryRowContext(ctx, query, TicketStatusExpired, reason, ticketID, TicketStatusWaiting).Scan(&userID); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		s.logger.Error("Error expiring ticket.", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return err
	}

	s.metrics.CountTicketsExpired(1)
	s.statusRegistry.Publish(&TicketEvent{TicketID: ticketID, UserID: userID, Status: TicketStatusExpired, Reason: reason})
	return nil
}

// ExpireOverdue expires every waiting ticket created at or before the cutoff.
// Used by the background sweeper to clean up tickets orphaned by a crashed
// poller, possibly one on another node.
func (s *SQLTicketStore) ExpireOverdue(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
UPDATE mm_ticket SET status = $1, reason = $2, update_time = now()
WHERE status = $3 AND create_time <= $4
RETURNING id, user_id`
	rows, err := s.db.QueryContext(ctx, query, TicketStatusExpired, TicketReasonTimeout, TicketStatusWaiting, olderThan)
	if err != nil {
		s.logger.Error("Error expiring overdue tickets.", zap.Error(err))
		return 0, err
	}
	defer rows.Close()

	events := make([]*TicketEvent, 0, 10)
	for rows.Next() {
		var ticketID int64
		var userID uuid.UUID
		if err := rows.Scan(&ticketID, &userID); err != nil {
			s.logger.Error("Error reading expired ticket.", zap.Error(err))
			return 0, err
		}
		events = append(events, &TicketEvent{TicketID: ticketID, UserID: userID, Status: TicketStatusExpired, Reason: TicketReasonTimeout})
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("Error expiring overdue tickets.", zap.Error(err))
		return 0, err
	}

	if len(events) > 0 {
		s.metrics.CountTicketsExpired(int64(len(events)))
		for _, event := range events {
			s.statusRegistry.Publish(event)
		}
	}
	return len(events), nil
}

// StartMatch creates an externally driven pairing: both tickets are born
// matched and the match row is active, all in one transaction. The partial
// unique index on live tickets rejects players who are already queued or in
// a match.
func (s *SQLTicketStore) StartMatch(ctx context.Context, userA, userB uuid.UUID) (int64, error) {
	if userA == userB {
		return 0, StatusError(CodeInvalidArgument, "Cannot start a match between a player and themselves.", nil)
	}
	// The lower player id is side A for a deterministic pairing record.
	if bytes.Compare(userB.Bytes(), userA.Bytes()) < 0 {
		userA, userB = userB, userA
	}

	var matchID int64
	if err := ExecuteInTx(ctx, s.db, func(tx *sql.Tx) error {
		profileA, err := scanUser(tx.QueryRowContext(ctx, "SELECT "+userSelectFields+" FROM users WHERE id = $1", userA))
		if err != nil {
			if err == sql.ErrNoRows {
				return StatusError(CodeNotFound, "User not found.", err)
			}
			return err
		}
		profileB, err := scanUser(tx.QueryRowContext(ctx, "SELECT "+userSelectFields+" FROM users WHERE id = $1", userB))
		if err != nil {
			if err == sql.ErrNoRows {
				return StatusError(CodeNotFound, "User not found.", err)
			}
			return err
		}

		insertTicket := func(user *User) (int64, error) {
			snapshot, err := json.Marshal(&ticketSnapshot{Rating: user.Rating, Preferences: user.Preferences})
			if err != nil {
				return 0, err
			}
			var id int64
			err = tx.QueryRowContext(ctx, "INSERT INTO mm_ticket (user_id, status, area, snapshot) VALUES ($1, $2, $3, $4) RETURNING id", user.ID, TicketStatusMatched, user.Area, snapshot).Scan(&id)
			if err != nil {
				if dbIsUniqueViolation(err) {
					return 0, StatusError(CodeConflict, "Player already has a live ticket.", err)
				}
				if dbIsForeignKeyViolation(err) {
					// The player row was deleted between the profile read and
					// the ticket insert.
					return 0, StatusError(CodeNotFound, "User not found.", err)
				}
				return 0, err
			}
			return id, nil
		}

		ticketA, err := insertTicket(profileA)
		if err != nil {
			return err
		}
		ticketB, err := insertTicket(profileB)
		if err != nil {
			return err
		}

		if err := tx.QueryRowContext(ctx, "INSERT INTO match_tx (user_a, user_b, ticket_a, ticket_b, status) VALUES ($1, $2, $3, $4, $5) RETURNING id", userA, userB, ticketA, ticketB, MatchStatusActive).Scan(&matchID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, "UPDATE mm_ticket SET bound_match_id = $1, update_time = now() WHERE id IN ($2, $3)", matchID, ticketA, ticketB)
		if err != nil {
			return err
		}
		if rowsAffected, _ := res.RowsAffected(); rowsAffected != 2 {
			return ErrRowsAffectedCount
		}
		return nil
	}); err != nil {
		if code := ErrorCode(err); code == CodeInternal {
			s.logger.Error("Error starting match.", zap.String("user_a", userA.String()), zap.String("user_b", userB.String()), zap.Error(err))
		}
		return 0, err
	}

	s.metrics.CountMatchesFormed(1)
	return matchID, nil
}

func (s *SQLTicketStore) GetMatch(ctx context.Context, matchID int64) (*Match, error) {
	match, err := scanMatch(s.db.QueryRowContext(ctx, "SELECT "+matchSelectFields+" FROM match_tx WHERE id = $1", matchID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, StatusError(CodeNotFound, "Match not found.", err)
		}
		s.logger.Error("Error querying match.", zap.Int64("match_id", matchID), zap.Error(err))
		return nil, err
	}
	return match, nil
}

// GetMatchByTicket returns the most recent match either side of which was
// bound from the given ticket. Used to recover the outcome of a search whose
// ticket row has already been consumed by a finished match.
func (s *SQLTicketStore) GetMatchByTicket(ctx context.Context, ticketID int64) (*Match, error) {
	match, err := scanMatch(s.db.QueryRowContext(ctx, "SELECT "+matchSelectFields+" FROM match_tx WHERE ticket_a = $1 OR ticket_b = $1 ORDER BY id DESC LIMIT 1", ticketID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, StatusError(CodeNotFound, "Match not found.", err)
		}
		s.logger.Error("Error querying match by ticket.", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return nil, err
	}
	return match, nil
}

// CancelMatch transitions an active match to cancelled and both of its
// tickets with it. The match row is locked first, then the tickets in
// ascending id order.
func (s *SQLTicketStore) CancelMatch(ctx context.Context, matchID int64) error {
	var events []*TicketEvent
	if err := ExecuteInTx(ctx, s.db, func(tx *sql.Tx) error {
		events = events[:0]
		var userA, userB uuid.UUID
		var ticketA, ticketB int64
		var status MatchStatus
		err := tx.QueryRowContext(ctx, "SELECT user_a, user_b, ticket_a, ticket_b, status FROM match_tx WHERE id = $1 FOR UPDATE", matchID).Scan(&userA, &userB, &ticketA, &ticketB, &status)
		if err != nil {
			if err == sql.ErrNoRows {
				return StatusError(CodeNotFound, "Match not found.", err)
			}
			return err
		}
		if status != MatchStatusActive {
			return StatusError(CodeConflict, "Match is not active.", nil)
		}

		if _, err := tx.ExecContext(ctx, "UPDATE match_tx SET status = $1 WHERE id = $2", MatchStatusCancelled, matchID); err != nil {
			return err
		}

		users := map[int64]uuid.UUID{ticketA: userA, ticketB: userB}
		first, second := ticketA, ticketB
		if second < first {
			first, second = second, first
		}
		for _, ticketID := range []int64{first, second} {
			if _, err := lockTicket(ctx, tx, ticketID); err != nil {
				if ErrorCode(err) == CodeConflict {
					return StatusError(CodeUnavailable, "Ticket row missing for active match.", err)
				}
				return err
			}
		}
		res, err := tx.ExecContext(ctx, "UPDATE mm_ticket SET status = $1, update_time = now() WHERE id IN ($2, $3)", TicketStatusCancelled, first, second)
		if err != nil {
			return err
		}
		if rowsAffected, _ := res.RowsAffected(); rowsAffected != 2 {
			return ErrRowsAffectedCount
		}

		events = append(events,
			&TicketEvent{TicketID: first, UserID: users[first], Status: TicketStatusCancelled},
			&TicketEvent{TicketID: second, UserID: users[second], Status: TicketStatusCancelled})
		return nil
	}); err != nil {
		if code := ErrorCode(err); code == CodeInternal {
			s.logger.Error("Error cancelling match.", zap.Int64("match_id", matchID), zap.Error(err))
		}
		return err
	}

	for _, event := range events {
		s.statusRegistry.Publish(event)
	}
	return nil
}

// FinishMatch settles an active match: it locks the match row, locks both
// player rows in ascending player id order, applies the Elo update and
// records the result. The consumed tickets are deleted so both players are
// free to queue again. Replaying a finish with the same score returns the
// recorded outcome without further writes.
func (s *SQLTicketStore) FinishMatch(ctx context.Context, matchID int64, scoreA, scoreB int) (*RatingChange, error) {
	outcome, err := OutcomeFromScore(scoreA, scoreB)
	if err != nil {
		return nil, err
	}

	var change *RatingChange
	if err := ExecuteInTx(ctx, s.db, func(tx *sql.Tx) error {
		change = nil
		var userA, userB uuid.UUID
		var ticketA, ticketB int64
		var status MatchStatus
		var prevScoreA, prevScoreB, beforeA, beforeB, afterA, afterB sql.NullInt64
		query := `
SELECT user_a, user_b, ticket_a, ticket_b, status, score_a, score_b, rating_before_a, rating_before_b, rating_after_a, rating_after_b
FROM match_tx WHERE id = $1 FOR UPDATE`
		err := tx.QueryRowContext(ctx, query, matchID).Scan(&userA, &userB, &ticketA, &ticketB, &status, &prevScoreA, &prevScoreB, &beforeA, &beforeB, &afterA, &afterB)
		if err != nil {
			if err == sql.ErrNoRows {
				return StatusError(CodeNotFound, "Match not found.", err)
			}
			return err
		}

		switch status {
		case MatchStatusCancelled:
			return StatusError(CodeConflict, "Match is not active.", nil)
		case MatchStatusFinished:
			if prevScoreA.Valid && int(prevScoreA.Int64) == scoreA && int(prevScoreB.Int64) == scoreB {
				change = &RatingChange{
					MatchID: matchID,
					UserA:   userA,
					UserB:   userB,
					BeforeA: int(beforeA.Int64),
					BeforeB: int(beforeB.Int64),
					AfterA:  int(afterA.Int64),
					AfterB:  int(afterB.Int64),
				}
				return nil
			}
			return StatusError(CodeConflict, "Match already finished with a different score.", nil)
		}

		firstUser, secondUser := userA, userB
		if bytes.Compare(secondUser.Bytes(), firstUser.Bytes()) < 0 {
			firstUser, secondUser = secondUser, firstUser
		}
		ratings := make(map[uuid.UUID]int, 2)
		for _, id := range []uuid.UUID{firstUser, secondUser} {
			var rating int
			if err := tx.QueryRowContext(ctx, "SELECT rating FROM users WHERE id = $1 FOR UPDATE", id).Scan(&rating); err != nil {
				if err == sql.ErrNoRows {
					return StatusError(CodeUnavailable, "Player row missing for active match.", err)
				}
				return err
			}
			ratings[id] = rating
		}

		ratingA, ratingB := ratings[userA], ratings[userB]
		newA, newB := NewRatings(ratingA, ratingB, outcome, s.config.GetMatchmaker().KFactor)

		newByUser := map[uuid.UUID]int{userA: newA, userB: newB}
		for _, id := range []uuid.UUID{firstUser, secondUser} {
			if _, err := tx.ExecContext(ctx, "UPDATE users SET rating = $1, update_time = now() WHERE id = $2", newByUser[id], id); err != nil {
				return err
			}
		}

		update := `
UPDATE match_tx
SET status = $1, score_a = $2, score_b = $3, rating_before_a = $4, rating_before_b = $5, rating_after_a = $6, rating_after_b = $7, finish_time = now()
WHERE id = $8`
		if _, err := tx.ExecContext(ctx, update, MatchStatusFinished, scoreA, scoreB, ratingA, ratingB, newA, newB, matchID); err != nil {
			return err
		}

		// The tickets are consumed, freeing both players to queue again.
		// Locked in ascending id order first, a binding attempt holding a
		// stale candidate list may still be contending for these rows.
		firstTicket, secondTicket := ticketA, ticketB
		if secondTicket < firstTicket {
			firstTicket, secondTicket = secondTicket, firstTicket
		}
		for _, ticketID := range []int64{firstTicket, secondTicket} {
			if _, err := lockTicket(ctx, tx, ticketID); err != nil {
				if ErrorCode(err) == CodeConflict {
					return StatusError(CodeUnavailable, "Ticket row missing for active match.", err)
				}
				return err
			}
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM mm_ticket WHERE id IN ($1, $2)", firstTicket, secondTicket)
		if err != nil {
			return err
		}
		if rowsAffected, _ := res.RowsAffected(); rowsAffected != 2 {
			return ErrRowsAffectedCount
		}

		change = &RatingChange{
			MatchID: matchID,
			UserA:   userA,
			UserB:   userB,
			BeforeA: ratingA,
			BeforeB: ratingB,
			AfterA:  newA,
			AfterB:  newB,
		}
		return nil
	}); err != nil {
		if code := ErrorCode(err); code == CodeInternal {
			s.logger.Error("Error finishing match.", zap.Int64("match_id", matchID), zap.Error(err))
		}
		return nil, err
	}

	return change, nil
}

func (s *SQLTicketStore) WatchTicket(ticketID int64) (<-chan *TicketEvent, func()) {
	return s.statusRegistry.Subscribe(ticketID)
}
