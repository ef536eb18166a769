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

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// MatchOrQueue places the user into the matchmaking queue and blocks until
// the search ends with a match, expiry or cancellation.
func MatchOrQueue(ctx context.Context, logger *zap.Logger, store TicketStore, matchmaker Matchmaker, userID uuid.UUID) (*TicketEvent, error) {
	return queueAndRun(ctx, logger, store, matchmaker, userID, nil)
}

// MatchStream is MatchOrQueue with per-poll progress reporting for streaming
// transports.
func MatchStream(ctx context.Context, logger *zap.Logger, store TicketStore, matchmaker Matchmaker, userID uuid.UUID, progressFn func(*SearchProgress)) (*TicketEvent, error) {
	return queueAndRun(ctx, logger, store, matchmaker, userID, progressFn)
}

func queueAndRun(ctx context.Context, logger *zap.Logger, store TicketStore, matchmaker Matchmaker, userID uuid.UUID, progressFn func(*SearchProgress)) (*TicketEvent, error) {
	// Queueing an unknown user is a caller mistake, not a missing resource.
	if _, err := store.GetUser(ctx, userID); err != nil {
		if ErrorCode(err) == CodeNotFound {
			return nil, StatusError(CodeInvalidArgument, "User not found.", err)
		}
		return nil, err
	}

	ticket, err := store.CreateTicket(ctx, userID)
	if err != nil {
		if ErrorCode(err) == CodeNotFound {
			// The user row vanished between the check and the insert.
			return nil, StatusError(CodeInvalidArgument, "User not found.", err)
		}
		return nil, err
	}
	logger.Debug("Ticket queued.", zap.Int64("ticket_id", ticket.ID), zap.String("user_id", userID.String()), zap.String("area", ticket.Area))

	return matchmaker.Run(ctx, ticket, progressFn)
}

// StartMatch opens an active match directly between two users, bypassing the
// queue. Both users must be free of live tickets.
func StartMatch(ctx context.Context, logger *zap.Logger, store TicketStore, userA, userB uuid.UUID) (int64, error) {
	matchID, err := store.StartMatch(ctx, userA, userB)
	if err != nil {
		return 0, err
	}
	logger.Debug("Match started.", zap.Int64("match_id", matchID), zap.String("user_a", userA.String()), zap.String("user_b", userB.String()))
	return matchID, nil
}

// FinishMatch records the final score of an active match and applies the
// rating update. Repeating a finish with the same score returns the ratings
// recorded by the first call.
func FinishMatch(ctx context.Context, logger *zap.Logger, store TicketStore, matchID int64, scoreA, scoreB int) (*RatingChange, error) {
	change, err := store.FinishMatch(ctx, matchID, scoreA, scoreB)
	if err != nil {
		return nil, err
	}
	logger.Debug("Match finished.", zap.Int64("match_id", matchID), zap.Int("score_a", scoreA), zap.Int("score_b", scoreB), zap.Int("rating_after_a", change.AfterA), zap.Int("rating_after_b", change.AfterB))
	return change, nil
}

// CancelMatch voids an active match. No ratings change and both players are
// freed to queue again.
func CancelMatch(ctx context.Context, logger *zap.Logger, store TicketStore, matchID int64) error {
	if err := store.CancelMatch(ctx, matchID); err != nil {
		return err
	}
	logger.Debug("Match cancelled.", zap.Int64("match_id", matchID))
	return nil
}
