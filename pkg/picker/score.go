package picker

import "fmt"

// Score ranks how urgently a card should be shown. Lower scores come first.
type Score int

const (
	// Uncalibrated cards are still collecting warm-up attempts.
	Uncalibrated Score = iota - 1
	// Urgent cards failed or overran their target on the last attempt.
	Urgent
	// Due cards have waited longer than their box interval.
	Due
	// Faltered cards had a failure in their last streak.
	Faltered
	// Slow cards overran their target during their last streak.
	Slow
	// Passed cards need nothing.
	Passed
)

var scoreNames = [...]string{"uncalibrated", "urgent", "due", "faltered", "slow", "passed"}

func (s Score) String() string {
	if s >= Uncalibrated && s <= Passed {
		return scoreNames[s+1]
	}
	return fmt.Sprintf("Score(%d)", int(s))
}
