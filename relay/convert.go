package relay

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/cqnotify/subscr"
)

// ConvertMessage flattens a delivered notification into change events, one
// per changed table. Message level tables come first, then the tables of
// each changed query. SeqNum is assigned later by the log.
func ConvertMessage(msg *subscr.Message, nodeID uint64) []ChangeEvent {
	base := ChangeEvent{
		NodeID:         nodeID,
		Subscription:   msg.Subscription,
		SubscriptionID: msg.SubscriptionID,
		EventType:      msg.EventType.String(),
		Database:       msg.DBName,
		ReceivedAt:     msg.ReceivedAt.UnixMilli(),
	}
	if msg.Error != nil {
		base.Error = msg.Error.Error()
	}

	events := make([]ChangeEvent, 0, len(msg.AllTables()))
	for _, t := range msg.Tables {
		events = append(events, tableEvent(base, 0, t))
	}
	for _, q := range msg.Queries {
		if len(q.Tables) == 0 {
			ev := base
			ev.QueryID = q.ID
			ev.Operation = q.Operation.String()
			events = append(events, ev)
			continue
		}
		for _, t := range q.Tables {
			events = append(events, tableEvent(base, q.ID, t))
		}
	}

	if len(events) == 0 {
		events = append(events, base)
	}
	return events
}

func tableEvent(base ChangeEvent, queryID uint64, t subscr.Table) ChangeEvent {
	ev := base
	ev.QueryID = queryID
	ev.Table = t.Name
	ev.Operation = t.Operation.String()
	if len(t.Rows) > 0 {
		ev.Rowids = make([]string, 0, len(t.Rows))
		for _, r := range t.Rows {
			ev.Rowids = append(ev.Rowids, r.Rowid)
		}
	}
	return ev
}

// EventKey is the partitioning key of an event: every change to one table
// lands on the same partition.
func EventKey(event ChangeEvent) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(event.Database+"/"+event.Table))
}
