// Package relay republishes delivered notifications to external brokers.
//
// Delivered messages are flattened into ChangeEvents, one per changed
// table, and appended to a Pebble-backed NotificationLog. Each configured
// sink owns a Worker that tails the log from its own cursor, filters with
// glob patterns, transforms the event and publishes it.
//
// Key layout:
//
//	/relay/ev/{seq:016x}   -> msgpack(ChangeEvent)
//	/relay/cur/{sinkName}  -> uint64 cursor
//	/relay/seq             -> uint64 last assigned sequence
//
// Cursors advance only after a successful publish, so sinks see each event
// at least once. Events below the slowest cursor are removed periodically.
package relay
