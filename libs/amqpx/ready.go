package amqpx

import (
	"context"
	"errors"
)

func ReadyCheck(conn *Connection) func(context.Context) error {
	return func(ctx context.Context) error {
		if conn == nil {
			return errors.New("amqp not configured")
		}
		if !conn.Healthy() {
			return errors.New("amqp not connected (state: " + conn.State().String() + ")")
		}
		return nil
	}
}
