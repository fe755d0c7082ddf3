package history

import "kbassist-backend/models"

const (
	// MessageOverhead is charged per turn on top of its content
	MessageOverhead = 4
	// DefaultMaxTokens bounds the prompt handed to the chat model
	DefaultMaxTokens = 3000
	// DefaultReservedTokens is kept free for the model's reply
	DefaultReservedTokens = 500
)

// Budget describes the prompt allowance for a single completion
type Budget struct {
	MaxUnits      int
	ReservedUnits int
}

// DefaultBudget returns the standard prompt allowance
func DefaultBudget() Budget {
	return Budget{MaxUnits: DefaultMaxTokens, ReservedUnits: DefaultReservedTokens}
}

// Cost returns the budget units a turn consumes
func Cost(turn models.Turn, counter Counter) int {
	return counter.Count(turn.Content) + MessageOverhead
}

// Truncate keeps the longest run of most recent turns that fits into maxUnits
// once reservedUnits are set aside. The result is a contiguous suffix of
// turns in original order; the system turn gets no special treatment.
func Truncate(turns []models.Turn, maxUnits, reservedUnits int, counter Counter) []models.Turn {
	if counter == nil {
		counter = EstimateCounter{}
	}

	total := reservedUnits
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		total += Cost(turns[i], counter)
		if total > maxUnits {
			break
		}
		start = i
	}

	out := make([]models.Turn, len(turns)-start)
	copy(out, turns[start:])
	return out
}

// TruncateProtected behaves like Truncate but always keeps a leading system
// turn, budgeting the remaining turns around it. The system turn alone is
// returned when nothing else fits.
func TruncateProtected(turns []models.Turn, maxUnits, reservedUnits int, counter Counter) []models.Turn {
	if len(turns) == 0 || turns[0].Role != models.RoleSystem {
		return Truncate(turns, maxUnits, reservedUnits, counter)
	}
	if counter == nil {
		counter = EstimateCounter{}
	}

	system := turns[0]
	rest := Truncate(turns[1:], maxUnits, reservedUnits+Cost(system, counter), counter)
	return append([]models.Turn{system}, rest...)
}

// SystemEvicted reports whether the leading system turn of turns is missing
// from kept
func SystemEvicted(turns, kept []models.Turn) bool {
	if len(turns) == 0 || turns[0].Role != models.RoleSystem {
		return false
	}
	return len(kept) == 0 || kept[0].Role != models.RoleSystem
}
