package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// NodeTransition records one executed node in the checkpoint log.
type NodeTransition struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Scratch holds node-local state persisted alongside the checkpoint.
type Scratch map[string]interface{}

// Value marshals scratch state to JSON for persistence.
func (s Scratch) Value() (driver.Value, error) {
	if s == nil {
		s = Scratch{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal scratch: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the scratch map.
func (s *Scratch) Scan(value interface{}) error {
	return scanJSON(value, s, "Scratch")
}

// TransitionLog is the ordered node-transition history.
type TransitionLog []NodeTransition

// Value marshals the log to JSON for persistence.
func (l TransitionLog) Value() (driver.Value, error) {
	if l == nil {
		l = TransitionLog{}
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal transition log: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the log.
func (l *TransitionLog) Scan(value interface{}) error {
	return scanJSON(value, l, "TransitionLog")
}

// CheckpointRecord is the durable snapshot of one workflow instance.
// thread_id is stable across suspensions and always resolves to the
// latest version; version is the optimistic-concurrency guard against
// lost updates under concurrent resume attempts.
type CheckpointRecord struct {
	ThreadID    string        `db:"thread_id" json:"thread_id"`
	ItemID      string        `db:"item_id" json:"item_id"`
	Version     int           `db:"version" json:"version"`
	CurrentNode string        `db:"current_node" json:"current_node"`
	Scratch     Scratch       `db:"scratch" json:"scratch"`
	Transitions TransitionLog `db:"transitions" json:"transitions"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
}

func scanJSON(value interface{}, dest interface{}, label string) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for %s", value, label)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal %s: %w", label, err)
	}
	return nil
}
