/**
 * @description
 * Static tier table for the rewards economy. A user's lifetime step total selects a
 * phase, and the phase's rate converts each 25-step group into paisa.
 *
 * @notes
 * - Thresholds are cumulative lifetime steps required to enter a tier.
 * - Everything here is read-only after package init, so no locking is needed.
 */

package phase

import "fmt"

// StepsPerGroup is the atomic unit of earning.
const StepsPerGroup = 25

// MaxTier is the terminal tier.
const MaxTier = 9

// BlockedMaxPhase is reported by GetProgression once a user is in the terminal tier.
const BlockedMaxPhase = "maximum phase reached"

type Phase struct {
	Tier        int    `json:"tier"`
	Name        string `json:"name"`
	Rate        int64  `json:"rate"`      // paisa per step group
	Threshold   int64  `json:"threshold"` // lifetime steps to enter
	Description string `json:"description"`
}

func (p Phase) String() string {
	return fmt.Sprintf("%s (tier %d)", p.Name, p.Tier)
}

var table = [MaxTier]Phase{
	{Tier: 1, Name: "Paisa Phase", Rate: 1, Threshold: 0, Description: "Every journey starts with a single paisa."},
	{Tier: 2, Name: "Anna Phase", Rate: 2, Threshold: 25_000, Description: "Steady walkers earn double."},
	{Tier: 3, Name: "Chavanni Phase", Rate: 3, Threshold: 75_000, Description: "A quarter of the way to serious coin."},
	{Tier: 4, Name: "Athanni Phase", Rate: 5, Threshold: 150_000, Description: "Half a rupee of ambition."},
	{Tier: 5, Name: "Rupee Phase", Rate: 7, Threshold: 300_000, Description: "A full rupee walker."},
	{Tier: 6, Name: "Mohur Phase", Rate: 10, Threshold: 500_000, Description: "Gold coin territory."},
	{Tier: 7, Name: "Ashrafi Phase", Rate: 15, Threshold: 800_000, Description: "Royal treasury rates."},
	{Tier: 8, Name: "Swarna Phase", Rate: 20, Threshold: 1_200_000, Description: "Pure gold strides."},
	{Tier: 9, Name: "Kohinoor Phase", Rate: 30, Threshold: 2_000_000, Description: "The crown jewel of walkers."},
}

// Phases returns a copy of the tier table ordered by tier.
func Phases() []Phase {
	out := make([]Phase, len(table))
	copy(out, table[:])
	return out
}

// Lookup returns the phase for a tier number.
func Lookup(tier int) (Phase, bool) {
	if tier < 1 || tier > MaxTier {
		return Phase{}, false
	}
	return table[tier-1], true
}

// GetPhase returns the highest tier whose threshold is at or below totalSteps.
// Negative totals are treated as zero.
func GetPhase(totalSteps int64) Phase {
	for i := len(table) - 1; i > 0; i-- {
		if totalSteps >= table[i].Threshold {
			return table[i]
		}
	}
	return table[0]
}

// Progression describes how far a user is through the tier they are completing.
type Progression struct {
	CurrentPhase    Phase   `json:"current_phase"`
	NextPhase       *Phase  `json:"next_phase"`
	ProgressPercent float64 `json:"progress_percent"`
	StepsToNext     int64   `json:"steps_to_next"`
	Eligible        bool    `json:"eligible"`
	BlockedReason   string  `json:"blocked_reason,omitempty"`
}

// GetProgression reports progress toward the next tier.
//
// Progress is measured inside the tier being completed, which is the highest tier whose
// threshold is strictly below totalSteps. A total that lands exactly on a threshold is
// therefore reported as 100% of the tier below and eligible, while GetPhase already
// returns the new tier for the same total.
func GetProgression(totalSteps int64) Progression {
	if totalSteps < 0 {
		totalSteps = 0
	}

	idx := 0
	for i := len(table) - 1; i > 0; i-- {
		if totalSteps > table[i].Threshold {
			idx = i
			break
		}
	}
	current := table[idx]

	if current.Tier == MaxTier {
		return Progression{
			CurrentPhase:    current,
			ProgressPercent: 100,
			BlockedReason:   BlockedMaxPhase,
		}
	}

	next := table[idx+1]
	required := next.Threshold - current.Threshold
	within := totalSteps - current.Threshold

	stepsToNext := required - within
	if stepsToNext < 0 {
		stepsToNext = 0
	}

	return Progression{
		CurrentPhase:    current,
		NextPhase:       &next,
		ProgressPercent: percentFloor(within, required),
		StepsToNext:     stepsToNext,
		Eligible:        stepsToNext == 0,
	}
}

// percentFloor returns part/whole as a percentage truncated to two decimals and capped at 100.
func percentFloor(part, whole int64) float64 {
	if whole <= 0 || part >= whole {
		return 100
	}
	if part <= 0 {
		return 0
	}
	basisPoints := part * 10_000 / whole
	return float64(basisPoints) / 100
}

// Earnings is the result of converting a step delta at a given rate.
type Earnings struct {
	StepGroups int64 `json:"step_groups"`
	Amount     int64 `json:"amount"`
}

// CalculateEarnings truncates steps into 25-step groups and multiplies by rate.
// No daily cap is applied here; callers pass already-capped steps.
func CalculateEarnings(steps, rate int64) Earnings {
	if steps <= 0 || rate <= 0 {
		return Earnings{}
	}
	groups := steps / StepsPerGroup
	return Earnings{StepGroups: groups, Amount: groups * rate}
}
