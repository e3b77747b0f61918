package amqp

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"fintrack/internal/dashcache"
)

// InvalidationMessage tells every server process that the dashboards covered
// by a scope changed. Persisted rows are already gone when it is sent; the
// receivers only drop their in-flight computations.
type InvalidationMessage struct {
	Origin    string    `json:"origin"`
	MonthKey  string    `json:"month_key,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	Aggregate bool      `json:"aggregate,omitempty"`
	All       bool      `json:"all"`
	Timestamp time.Time `json:"timestamp"`
}

// NewInvalidationMessage creates a message for sc sent by origin
func NewInvalidationMessage(origin string, sc dashcache.Scope) *InvalidationMessage {
	return &InvalidationMessage{
		Origin:    origin,
		MonthKey:  sc.MonthKey,
		AccountID: sc.AccountID,
		Aggregate: sc.IncludeAggregate,
		All:       sc.IsAll(),
		Timestamp: time.Now(),
	}
}

// Scope returns the invalidation scope carried by the message
func (m *InvalidationMessage) Scope() dashcache.Scope {
	if m.All {
		return dashcache.Scope{}
	}
	return dashcache.Scope{MonthKey: m.MonthKey, AccountID: m.AccountID, IncludeAggregate: m.Aggregate}
}

// ToJSON converts the message to JSON bytes
func (m *InvalidationMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// InvalidationMessageFromJSON decodes a message. A message that names no
// scope must say so explicitly with All.
func InvalidationMessageFromJSON(data []byte) (*InvalidationMessage, error) {
	var msg InvalidationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Origin == "" {
		return nil, fmt.Errorf("invalidation message without origin")
	}
	if !msg.All && msg.MonthKey == "" && msg.AccountID == "" {
		return nil, fmt.Errorf("invalidation message without scope")
	}
	return &msg, nil
}
