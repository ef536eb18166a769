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
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type matchRequest struct {
	UserID string `json:"user_id"`
}

type matchResponse struct {
	Status  string `json:"status"`
	MatchID int64  `json:"match_id,omitempty"`
}

type matchStartRequest struct {
	UserA string `json:"user_a"`
	UserB string `json:"user_b"`
}

type matchStartResponse struct {
	MatchID int64 `json:"match_id"`
}

type matchFinishRequest struct {
	MatchID int64 `json:"match_id"`
	Score   []int `json:"score"`
}

type matchFinishResponse struct {
	RatingBefore []int `json:"rating_before"`
	RatingAfter  []int `json:"rating_after"`
}

type matchCancelResponse struct {
	OK bool `json:"ok"`
}

type streamSearchingEvent struct {
	Type       string  `json:"type"`
	Threshold  float64 `json:"threshold"`
	Candidates int     `json:"candidates"`
	Waited     int     `json:"waited"`
}

type streamMatchedEvent struct {
	Type    string `json:"type"`
	MatchID int64  `json:"match_id"`
}

type streamClosedEvent struct {
	Type string `json:"type"`
}

func (s *ApiServer) matchHandler(w http.ResponseWriter, r *http.Request) {
	var in matchRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, StatusError(CodeInvalidArgument, "Invalid request body.", err))
		return
	}
	userID, err := uuid.FromString(in.UserID)
	if err != nil {
		s.writeError(w, StatusError(CodeInvalidArgument, "Invalid user ID.", err))
		return
	}

	event, err := MatchOrQueue(r.Context(), s.logger, s.store, s.matchmaker, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	switch event.Status {
	case TicketStatusMatched:
		s.writeJSON(w, http.StatusOK, &matchResponse{Status: "matched", MatchID: event.MatchID})
	case TicketStatusCancelled:
		s.writeJSON(w, http.StatusOK, &matchResponse{Status: "cancelled"})
	default:
		s.writeJSON(w, http.StatusOK, &matchResponse{Status: "expired"})
	}
}

func (s *ApiServer) matchStreamHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var in matchRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, StatusError(CodeInvalidArgument, "Invalid request body.", err))
		s.metrics.Api("/match/stream", time.Since(start), true)
		return
	}
	userID, err := uuid.FromString(in.UserID)
	if err != nil {
		s.writeError(w, StatusError(CodeInvalidArgument, "Invalid user ID.", err))
		s.metrics.Api("/match/stream", time.Since(start), true)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, StatusError(CodeInternal, "Streaming unsupported.", nil))
		s.metrics.Api("/match/stream", time.Since(start), true)
		return
	}

	// Response headers are withheld until the first event so early failures
	// can still report a proper HTTP status.
	streaming := false
	emit := func(body interface{}) {
		payload, err := json.Marshal(body)
		if err != nil {
			s.logger.Error("Error encoding stream event.", zap.Error(err))
			return
		}
		if !streaming {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			streaming = true
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	event, err := MatchStream(r.Context(), s.logger, s.store, s.matchmaker, userID, func(progress *SearchProgress) {
		emit(&streamSearchingEvent{
			Type:       "searching",
			Threshold:  progress.Threshold,
			Candidates: progress.Candidates,
			Waited:     int(progress.Waited.Seconds()),
		})
	})
	if event == nil {
		if !streaming {
			s.writeError(w, err)
		} else {
			s.logger.Error("Match stream ended without an outcome.", zap.String("user_id", userID.String()), zap.Error(err))
		}
		s.metrics.Api("/match/stream", time.Since(start), true)
		return
	}

	switch event.Status {
	case TicketStatusMatched:
		emit(&streamMatchedEvent{Type: "matched", MatchID: event.MatchID})
	case TicketStatusCancelled:
		emit(&streamClosedEvent{Type: "cancelled"})
	default:
		emit(&streamClosedEvent{Type: "expired"})
	}
	s.metrics.Api("/match/stream", time.Since(start), err != nil)
}

func (s *ApiServer) matchStartHandler(w http.ResponseWriter, r *http.Request) {
	var in matchStartRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, StatusError(CodeInvalidArgument, "Invalid request body.", err))
		return
	}
	userA, err := uuid.FromString(in.UserA)
	if err != nil {
		s.writeError(w, StatusError(CodeInvalidArgument, "Invalid user ID.", err))
		return
	}
	userB, err := uuid.FromString(in.UserB)
	if err != nil {
		s.writeError(w, StatusError(CodeInvalidArgument, "Invalid user ID.", err))
		return
	}

	matchID, err := StartMatch(r.Context(), s.logger, s.store, userA, userB)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &matchStartResponse{MatchID: matchID})
}

func (s *ApiServer) matchFinishHandler(w http.ResponseWriter, r *http.Request) {
	var in matchFinishRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, StatusError(CodeInvalidArgument, "Invalid request body.", err))
		return
	}
	if len(in.Score) != 2 {
		s.writeError(w, StatusError(CodeInvalidArgument, "Score must be a pair of integers.", nil))
		return
	}

	change, err := FinishMatch(r.Context(), s.logger, s.store, in.MatchID, in.Score[0], in.Score[1])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &matchFinishResponse{
		RatingBefore: []int{change.BeforeA, change.BeforeB},
		RatingAfter:  []int{change.AfterA, change.AfterB},
	})
}

func (s *ApiServer) matchCancelHandler(w http.ResponseWriter, r *http.Request) {
	matchID, err := strconv.ParseInt(mux.Vars(r)["match_id"], 10, 64)
	if err != nil {
		s.writeError(w, StatusError(CodeNotFound, "Match not found.", err))
		return
	}

	if err := CancelMatch(r.Context(), s.logger, s.store, matchID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &matchCancelResponse{OK: true})
}
