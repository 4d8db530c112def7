// Package driver defines the contract between cqnotify and the Oracle client
// driver that produces change notifications.
//
// The driver owns the delivery goroutine (or native thread) that invokes a
// registered Callback. Everything reachable from the *Message handed to a
// Callback is borrowed: byte slices alias driver scratch memory that is reused
// as soon as the callback returns. Consumers that need the data later must
// copy it before returning.
package driver

import (
	"context"
	"strings"
)

// EventType identifies the kind of notification delivered by the driver.
type EventType uint32

const (
	EventNone EventType = iota
	EventStartup
	EventShutdown
	EventShutdownAny
	EventDropDB
	EventDereg
	EventObjChange
	EventQueryChange
	EventAQ
)

var eventTypeNames = map[EventType]string{
	EventNone:        "none",
	EventStartup:     "startup",
	EventShutdown:    "shutdown",
	EventShutdownAny: "shutdown_any",
	EventDropDB:      "drop_db",
	EventDereg:       "dereg",
	EventObjChange:   "objchange",
	EventQueryChange: "querychange",
	EventAQ:          "aq",
}

func (e EventType) String() string {
	if name, ok := eventTypeNames[e]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the event type name.
func (e EventType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, bool) {
	for et, name := range eventTypeNames {
		if name == s {
			return et, true
		}
	}
	return EventNone, false
}

// OpCode is a bit set of operations, using the ODPI-C values.
type OpCode uint32

const (
	OpAllOps  OpCode = 0x00
	OpAllRows OpCode = 0x01
	OpInsert  OpCode = 0x02
	OpUpdate  OpCode = 0x04
	OpDelete  OpCode = 0x08
	OpAlter   OpCode = 0x10
	OpDrop    OpCode = 0x20
	OpUnknown OpCode = 0x40
)

var opCodeNames = []struct {
	op   OpCode
	name string
}{
	{OpAllRows, "all_rows"},
	{OpInsert, "insert"},
	{OpUpdate, "update"},
	{OpDelete, "delete"},
	{OpAlter, "alter"},
	{OpDrop, "drop"},
	{OpUnknown, "unknown"},
}

// String renders a single name, or names joined by "|" for combined flags.
func (o OpCode) String() string {
	if o == OpAllOps {
		return "all_ops"
	}
	var names []string
	for _, n := range opCodeNames {
		if o&n.op != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "unknown"
	}
	return strings.Join(names, "|")
}

// MarshalText renders the operation names.
func (o OpCode) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// ParseOpCode parses one operation name as produced by OpCode.String.
func ParseOpCode(s string) (OpCode, bool) {
	if s == "all_ops" {
		return OpAllOps, true
	}
	for _, n := range opCodeNames {
		if n.name == s {
			return n.op, true
		}
	}
	return 0, false
}

// Row is a changed row inside a Table.
type Row struct {
	Operation OpCode
	Rowid     []byte
}

// Table is a changed table, with row ids when the subscription asked for them.
type Table struct {
	Operation OpCode
	Name      []byte
	Rows      []Row
}

// Query is a registered query whose result set changed.
type Query struct {
	ID        uint64
	Operation OpCode
	Tables    []Table
}

// ErrorInfo is an error attached to a notification by the driver.
type ErrorInfo struct {
	Code          int32
	Offset        uint32
	Message       []byte
	Encoding      []byte
	FnName        []byte
	Action        []byte
	SQLState      []byte
	IsRecoverable bool
}

// Message is one notification. It is only valid during the Callback call.
type Message struct {
	EventType EventType
	DBName    []byte
	Tables    []Table
	Queries   []Query
	Error     *ErrorInfo
}

// Callback is invoked by the driver on its own delivery goroutine.
// Implementations must not block and must not retain msg.
type Callback func(msg *Message)

// Conn is a driver connection able to create notification subscriptions.
type Conn interface {
	NewSubscription(ctx context.Context, params SubscrParams, cb Callback) (Subscription, error)
	Close() error
}

// Subscription is a driver-side subscription handle.
type Subscription interface {
	// ID returns the driver assigned subscription id.
	ID() uint64
	// Register executes a query so that changes to its result set are reported.
	Register(ctx context.Context, sql string, args ...any) (uint64, error)
	// Close deregisters the subscription. No callbacks are made after Close returns.
	Close() error
}
