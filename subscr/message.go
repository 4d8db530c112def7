package subscr

import (
	"fmt"
	"time"

	"github.com/maxpert/cqnotify/driver"
)

// Message is a delivered notification. It owns all of its data.
type Message struct {
	SubscriptionID uint64           `json:"subscription_id"`
	Subscription   string           `json:"subscription"`
	ReceivedAt     time.Time        `json:"received_at"`
	EventType      driver.EventType `json:"event_type"`
	DBName         string           `json:"db_name"`
	Tables         []Table          `json:"tables"`
	Queries        []Query          `json:"queries"`
	Error          *ErrorInfo       `json:"error,omitempty"`
}

// Table is a changed table.
type Table struct {
	Operation driver.OpCode `json:"operation"`
	Name      string        `json:"name"`
	Rows      []Row         `json:"rows"`
}

// Row is a changed row.
type Row struct {
	Operation driver.OpCode `json:"operation"`
	Rowid     string        `json:"rowid"`
}

// Query is a registered query whose result changed.
type Query struct {
	ID        uint64        `json:"id"`
	Operation driver.OpCode `json:"operation"`
	Tables    []Table       `json:"tables"`
}

// ErrorInfo is an error reported by the database with a notification.
type ErrorInfo struct {
	Code          int32  `json:"code"`
	Offset        uint32 `json:"offset"`
	Message       string `json:"message"`
	Encoding      string `json:"encoding"`
	FnName        string `json:"fn_name"`
	Action        string `json:"action"`
	SQLState      string `json:"sql_state"`
	IsRecoverable bool   `json:"is_recoverable"`
}

// Error returns the database message, which already carries the ORA- prefix.
func (e *ErrorInfo) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("ORA-%05d", e.Code)
}

// AllTables returns the message level tables followed by the tables of every
// query, in delivery order.
func (m *Message) AllTables() []Table {
	n := len(m.Tables)
	for _, q := range m.Queries {
		n += len(q.Tables)
	}
	out := make([]Table, 0, n)
	out = append(out, m.Tables...)
	for _, q := range m.Queries {
		out = append(out, q.Tables...)
	}
	return out
}
