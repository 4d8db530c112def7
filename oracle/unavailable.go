//go:build !cgo

package oracle

import (
	"context"

	"github.com/maxpert/cqnotify/driver"
)

// Conn is never constructed without cgo
type Conn struct{}

// Open always fails without cgo
func Open(context.Context, Config) (*Conn, error) {
	return nil, ErrUnavailable
}

func (c *Conn) NewSubscription(context.Context, driver.SubscrParams, driver.Callback) (driver.Subscription, error) {
	return nil, ErrUnavailable
}

func (c *Conn) Close() error {
	return nil
}
