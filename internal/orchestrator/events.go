package orchestrator

import (
	"time"

	"github.com/marcus/roundtable/internal/providers"
)

// EventType classifies run lifecycle events.
type EventType int

const (
	EventRunStart       EventType = iota // task matrix built, dispatch begins
	EventTaskStart                       // one provider call admitted by the governor
	EventTaskEnd                         // one task settled (success or failure)
	EventRateLimit                       // provider returned 429; dispatch spacing increased
	EventSynthesisStart                  // merge call dispatched
	EventSynthesisEnd                    // merge call settled (success or failure)
	EventRunEnd                          // every task settled and the outcome assembled
)

// Event carries data about a run lifecycle event.
type Event struct {
	Type       EventType
	Time       time.Time
	RunID      string
	Provider   providers.ID
	Model      string
	QuestionID string
	TaskCount  int           // for EventRunStart: tasks in the matrix
	Succeeded  int           // for EventRunEnd
	Failed     int           // for EventRunEnd
	LatencyMs  int64         // for EventTaskEnd/EventSynthesisEnd
	CostUSD    float64       // for EventTaskEnd/EventSynthesisEnd
	Interval   time.Duration // for EventRateLimit: spacing now in effect
	Duration   time.Duration // for EventRunEnd: wall-clock run time
	Error      string        // error message if applicable
}

// EventHandler is a callback that receives run events. Task events fire
// from dispatch goroutines, so handlers must be safe for concurrent use.
type EventHandler func(Event)
