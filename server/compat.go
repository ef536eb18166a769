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
	"time"
)

// Compatibility sub-score weights. They must sum to 1 so the total stays in [0,10].
const (
	compatSkillWeight      = 0.5
	compatPreferenceWeight = 0.3
	compatWaitWeight       = 0.2
)

// MatchThreshold is the minimum compatibility score required to accept a
// pairing after the focal ticket has waited for the given duration.
// Monotonically non-increasing, bounded by the configured floor.
func MatchThreshold(config *MatchmakerConfig, waited time.Duration) float64 {
	threshold := config.InitialThreshold - config.DecayRatePerSec*waited.Seconds()
	if threshold < config.MinThreshold {
		return config.MinThreshold
	}
	return threshold
}

// CompatibilityScore rates a candidate pairing on a 0 to 10 scale where 10 is
// an ideal opponent. Tickets in different areas are never comparable.
//
// The score is a weighted sum of three sub-scores:
//   - skill proximity, with a rating gap tolerance that relaxes as the less
//     patient side of the pair waits longer;
//   - preference affinity averaged across the axes both snapshots carry;
//   - wait balance, favoring pairs whose waits are of similar length so
//     neither player is kept in the queue purely to serve the other.
func CompatibilityScore(config *MatchmakerConfig, a, b *Ticket, waitA, waitB time.Duration) (float64, error) {
	if a.Area != b.Area {
		return 0, StatusError(CodeInvalidArgument, "Tickets in different areas are not comparable.", nil)
	}

	secondsA := waitA.Seconds()
	secondsB := waitB.Seconds()
	minWait := math.Min(secondsA, secondsB)

	tolerance := config.BaseSkillTolerance + config.SkillRelaxRate*minWait
	skill := 10.0 - math.Abs(float64(a.Rating-b.Rating))/tolerance
	if skill < 0 {
		skill = 0
	}

	preference := preferenceAffinity(a.Preferences, b.Preferences, config.PreferencePenalty)

	wait := 10.0 - math.Min(10.0, math.Abs(secondsA-secondsB)/2.0)

	return compatSkillWeight*skill + compatPreferenceWeight*preference + compatWaitWeight*wait, nil
}

// preferenceAffinity averages the per-axis agreement of two preference
// vectors. Axes beyond the shorter vector are ignored, and a pair with no
// shared axes is treated as fully agreeable.
func preferenceAffinity(a, b []float64, penalty float64) float64 {
	axes := len(a)
	if len(b) < axes {
		axes = len(b)
	}
	if axes == 0 {
		return 10.0
	}

	var total float64
	for i := 0; i < axes; i++ {
		affinity := 10.0 - penalty*math.Abs(a[i]-b[i])
		if affinity < 0 {
			affinity = 0
		} else if affinity > 10 {
			affinity = 10
		}
		total += affinity
	}
	return total / float64(axes)
}
