// Package oracle connects cqnotify to an Oracle database through godror
// (ODPI-C). It needs cgo; without it Open returns ErrUnavailable and only the
// simulated driver is usable.
package oracle

import (
	"errors"

	"github.com/maxpert/cqnotify/cfg"
	"github.com/maxpert/cqnotify/driver"
)

// ErrUnavailable is returned by Open in builds without cgo.
var ErrUnavailable = errors.New("oracle driver unavailable: built without cgo")

// Config holds the connection settings
type Config struct {
	Username      string
	Password      string
	ConnectString string
	Events        bool
}

// ConfigFrom maps the [oracle] configuration section.
func ConfigFrom(oc cfg.OracleConfiguration) Config {
	return Config{
		Username:      oc.Username,
		Password:      oc.Password,
		ConnectString: oc.ConnectString,
		Events:        oc.Events,
	}
}

// subscrOptions is the part of driver.SubscrParams godror can express.
type subscrOptions struct {
	address         string
	port            uint32
	clientInitiated bool
	ignored         []string
}

// optionsFor reduces params to what godror accepts. Everything else is
// reported in ignored so the caller can log it.
func optionsFor(params driver.SubscrParams) subscrOptions {
	opts := subscrOptions{
		address:         params.IPAddress,
		port:            params.Port,
		clientInitiated: params.ClientInitiated,
	}
	if params.Namespace != driver.NamespaceDBChange {
		opts.ignored = append(opts.ignored, "namespace")
	}
	if params.Protocol != driver.ProtocolCallback {
		opts.ignored = append(opts.ignored, "protocol")
	}
	if params.QOS != 0 && params.QOS != driver.QOSQuery|driver.QOSRowids {
		opts.ignored = append(opts.ignored, "qos")
	}
	if params.Operations != driver.OpAllOps {
		opts.ignored = append(opts.ignored, "operations")
	}
	if params.Timeout > 0 {
		opts.ignored = append(opts.ignored, "timeout")
	}
	if params.GroupingClass != 0 || params.GroupingValue != 0 || params.GroupingType != 0 {
		opts.ignored = append(opts.ignored, "grouping")
	}
	return opts
}

// scratch is a per subscription arena the rendered message borrows from. It
// is reset before every callback, matching the borrowed lifetime promised
// by driver.Callback.
type scratch struct {
	buf []byte
}

func (s *scratch) reset() {
	s.buf = s.buf[:0]
}

// put copies str into the arena. The returned slice is capped so appends by
// a careless consumer cannot spill into the next string.
func (s *scratch) put(str string) []byte {
	if str == "" {
		return nil
	}
	start := len(s.buf)
	s.buf = append(s.buf, str...)
	return s.buf[start:len(s.buf):len(s.buf)]
}
