package celery

import (
	"time"

	"github.com/glimte/celery-go/message"
)

// isoLayout matches Python's datetime.isoformat for aware UTC times.
const isoLayout = "2006-01-02T15:04:05.000000-07:00"

type taskOptions struct {
	exchange   string
	routingKey string
	taskID     string
	rootID     string
	parentID   string
	group      string
	shadow     string
	eta        string
	expires    string
	retries    *int8
	timeLimit  *message.TimeLimit
	replyTo    string
	chain      string
	chord      string
	callbacks  []string
	errbacks   []string
}

// TaskOption customizes a message built by Client.Send.
type TaskOption func(*taskOptions)

// WithQueue routes to a queue declared the Celery way: exchange and routing
// key both named after the queue.
func WithQueue(queue string) TaskOption {
	return func(o *taskOptions) {
		o.exchange = queue
		o.routingKey = queue
	}
}

func WithExchange(exchange string) TaskOption {
	return func(o *taskOptions) { o.exchange = exchange }
}

func WithRoutingKey(key string) TaskOption {
	return func(o *taskOptions) { o.routingKey = key }
}

// WithTaskID sets the task id instead of a random UUID.
func WithTaskID(id string) TaskOption {
	return func(o *taskOptions) { o.taskID = id }
}

// WithParent marks the task as spawned by parentID within the workflow rootID.
func WithParent(rootID, parentID string) TaskOption {
	return func(o *taskOptions) {
		o.rootID = rootID
		o.parentID = parentID
	}
}

func WithRoot(rootID string) TaskOption {
	return func(o *taskOptions) { o.rootID = rootID }
}

func WithGroup(group string) TaskOption {
	return func(o *taskOptions) { o.group = group }
}

// WithShadow sets the task name shown in worker logs.
func WithShadow(name string) TaskOption {
	return func(o *taskOptions) { o.shadow = name }
}

// WithCountdown delays execution by d from now.
func WithCountdown(d time.Duration) TaskOption {
	return WithETA(time.Now().Add(d))
}

// WithETA sets the earliest execution time.
func WithETA(t time.Time) TaskOption {
	return func(o *taskOptions) { o.eta = t.UTC().Format(isoLayout) }
}

// WithExpires sets the time after which workers discard the task.
func WithExpires(t time.Time) TaskOption {
	return func(o *taskOptions) { o.expires = t.UTC().Format(isoLayout) }
}

func WithRetries(n int8) TaskOption {
	return func(o *taskOptions) { o.retries = &n }
}

// WithTimeLimit sets soft and hard time limits, rounded down to seconds.
func WithTimeLimit(soft, hard time.Duration) TaskOption {
	return func(o *taskOptions) {
		o.timeLimit = &message.TimeLimit{Soft: soft, Hard: hard}
	}
}

func WithReplyTo(queue string) TaskOption {
	return func(o *taskOptions) { o.replyTo = queue }
}

func WithChain(chain string) TaskOption {
	return func(o *taskOptions) { o.chain = chain }
}

func WithChord(chord string) TaskOption {
	return func(o *taskOptions) { o.chord = chord }
}

func WithCallbacks(callbacks ...string) TaskOption {
	return func(o *taskOptions) { o.callbacks = callbacks }
}

func WithErrbacks(errbacks ...string) TaskOption {
	return func(o *taskOptions) { o.errbacks = errbacks }
}
