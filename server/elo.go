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
	"math"
)

// MatchOutcome is the result of a finished match from player A's perspective.
type MatchOutcome int

const (
	OutcomeAWins MatchOutcome = iota
	OutcomeBWins
	OutcomeDraw
)

// OutcomeFromScore derives the match outcome from a raw score pair.
// Scores must be non-negative.
func OutcomeFromScore(scoreA, scoreB int) (MatchOutcome, error) {
	if scoreA < 0 || scoreB < 0 {
		return OutcomeDraw, StatusError(CodeInvalidArgument, "Scores must be non-negative integers.", nil)
	}
	switch {
	case scoreA > scoreB:
		return OutcomeAWins, nil
	case scoreB > scoreA:
		return OutcomeBWins, nil
	default:
		return OutcomeDraw, nil
	}
}

// ExpectedScore is the Elo win expectation for the first of the two ratings.
func ExpectedScore(ratingA, ratingB int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(ratingB-ratingA)/400.0))
}

// NewRatings applies one match outcome to a pair of ratings and returns the
// updated pair. Rounding is half-to-even on the final value, not on the
// delta. Ratings never drop below 0 and are uncapped above.
func NewRatings(ratingA, ratingB int, outcome MatchOutcome, kFactor int) (int, int) {
	expectedA := ExpectedScore(ratingA, ratingB)
	expectedB := 1.0 - expectedA

	var actualA, actualB float64
	switch outcome {
	case OutcomeAWins:
		actualA, actualB = 1.0, 0.0
	case OutcomeBWins:
		actualA, actualB = 0.0, 1.0
	default:
		actualA, actualB = 0.5, 0.5
	}

	k := float64(kFactor)
	newA := int(math.RoundToEven(float64(ratingA) + k*(actualA-expectedA)))
	newB := int(math.RoundToEven(float64(ratingB) + k*(actualB-expectedB)))
	if newA < 0 {
		newA = 0
	}
	if newB < 0 {
		newB = 0
	}
	return newA, newB
}
