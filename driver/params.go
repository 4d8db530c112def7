package driver

import (
	"fmt"
	"strings"
	"time"
)

// QOS is a bit set of subscription quality of service flags (ODPI-C values).
type QOS uint32

const (
	QOSReliable   QOS = 0x01
	QOSDeregNfy   QOS = 0x02
	QOSRowids     QOS = 0x04
	QOSQuery      QOS = 0x08
	QOSBestEffort QOS = 0x10
)

var qosNames = map[string]QOS{
	"reliable":    QOSReliable,
	"dereg_nfy":   QOSDeregNfy,
	"rowids":      QOSRowids,
	"query":       QOSQuery,
	"best_effort": QOSBestEffort,
}

// ParseQOS folds a list of flag names (e.g. ["query", "rowids"]) into a QOS.
func ParseQOS(names []string) (QOS, error) {
	var q QOS
	for _, name := range names {
		flag, ok := qosNames[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("unknown qos flag %q", name)
		}
		q |= flag
	}
	return q, nil
}

// ParseOperations folds a list of operation names into an OpCode.
// An empty list means all operations.
func ParseOperations(names []string) (OpCode, error) {
	var op OpCode
	for _, name := range names {
		o, ok := ParseOpCode(strings.ToLower(name))
		if !ok {
			return 0, fmt.Errorf("unknown operation %q", name)
		}
		op |= o
	}
	return op, nil
}

// Namespace of a subscription.
type Namespace uint32

const (
	NamespaceDBChange Namespace = 2
	NamespaceAQ       Namespace = 1
)

// Protocol used by the database to deliver notifications.
type Protocol uint32

const (
	ProtocolCallback Protocol = 0
	ProtocolMail     Protocol = 1
	ProtocolPLSQL    Protocol = 2
	ProtocolHTTP     Protocol = 3
)

// SubscrParams are the subscription creation parameters.
type SubscrParams struct {
	Name            string
	Namespace       Namespace
	Protocol        Protocol
	QOS             QOS
	Operations      OpCode
	IPAddress       string
	Port            uint32
	Timeout         time.Duration
	GroupingClass   uint8
	GroupingValue   uint32
	GroupingType    uint8
	ClientInitiated bool
}

// DefaultSubscrParams returns database change notification parameters
// delivered through a callback.
func DefaultSubscrParams(name string) SubscrParams {
	return SubscrParams{
		Name:       name,
		Namespace:  NamespaceDBChange,
		Protocol:   ProtocolCallback,
		Operations: OpAllOps,
	}
}
