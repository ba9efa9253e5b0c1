package state

import (
	"encoding/json"
	"fmt"
	"time"
)

type snapshot struct {
	Phase       Phase     `json:"phase"`
	Position    *Position `json:"position,omitempty"`
	Pending     *Pending  `json:"pending,omitempty"`
	PauseReason string    `json:"pauseReason,omitempty"`
	Day         Day       `json:"day"`
	LastCandle  time.Time `json:"lastCandleCloseTime"`
}

func (l Lifecycle) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshot{
		Phase:       l.Phase(),
		Position:    l.position,
		Pending:     l.pending,
		PauseReason: l.pause,
		Day:         l.Day,
		LastCandle:  l.LastCandle,
	})
}

func (l *Lifecycle) UnmarshalJSON(data []byte) error {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	next := Lifecycle{
		phase:      s.Phase,
		position:   s.Position,
		pending:    s.Pending,
		pause:      s.PauseReason,
		Day:        s.Day,
		LastCandle: s.LastCandle,
	}
	if next.phase == "" {
		next.phase = Idle
	}
	if err := next.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	*l = next
	return nil
}
