// Package signal defines the Signal record the Brain produces and the Risk
// Gate consumes exactly once, replacing the duck-typed signal dicts of the
// original design with a single named struct.
package signal

import (
	"time"

	"aegis-core/internal/patterns"
)

// Signal is produced once by the Brain and consumed once by the Risk Gate.
type Signal struct {
	ID           string
	Symbol       string
	Confidence   float64
	Patterns     []patterns.Pattern
	PositionSize float64
	Timestamp    time.Time
}
