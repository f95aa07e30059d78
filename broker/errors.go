package broker

import (
	"errors"
	"fmt"
)

var ErrSerialization = errors.New("broker: message serialization failed")

// ExchangeError is returned when declaring an exchange or binding a queue to
// it fails.
type ExchangeError struct {
	Op       string // "declare" or "bind"
	Exchange string
	Queue    string
	Err      error
}

func (e *ExchangeError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("exchange error: %s %q to queue %q: %v", e.Op, e.Exchange, e.Queue, e.Err)
	}
	return fmt.Sprintf("exchange error: %s %q: %v", e.Op, e.Exchange, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// QueueError is returned when CreateQueue fails at any step.
type QueueError struct {
	Op       string // "declare exchange", "declare" or "bind"
	Queue    string
	Exchange string
	Err      error
}

func (e *QueueError) Error() string {
	if e.Exchange != "" {
		return fmt.Sprintf("queue error: %s %q (exchange %q): %v", e.Op, e.Queue, e.Exchange, e.Err)
	}
	return fmt.Sprintf("queue error: %s %q: %v", e.Op, e.Queue, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

// PublishError is returned when a task could not be encoded or published.
// Encoding failures wrap ErrSerialization and nothing is sent.
type PublishError struct {
	Task       string
	TaskID     string
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish error: task %s[%s] to %q/%q: %v",
		e.Task, e.TaskID, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
