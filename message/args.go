package message

import (
	"bytes"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Args are positional task arguments, in call order.
type Args []Value

// KwArgs are keyword task arguments, in call order. Repeated keys are kept.
type KwArgs []KwArg

// ArgsOf converts plain Go values with Of.
func ArgsOf(xs ...interface{}) (Args, error) {
	args := make(Args, len(xs))
	for i, x := range xs {
		v, err := Of(x)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}

// KwArgsOf converts alternating key, value pairs.
func KwArgsOf(pairs ...interface{}) (KwArgs, error) {
	if len(pairs)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of keyword pairs", ErrUnsupportedValue)
	}
	kwargs := make(KwArgs, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			return nil, fmt.Errorf("%w: keyword %v is not a string", ErrUnsupportedValue, pairs[i])
		}
		v, err := Of(pairs[i+1])
		if err != nil {
			return nil, fmt.Errorf("kwarg %q: %w", key, err)
		}
		kwargs = append(kwargs, Pair(key, v))
	}
	return kwargs, nil
}

func (a Args) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeList(&buf, a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a Args) AMQP() []interface{} {
	out := make([]interface{}, len(a))
	for i, v := range a {
		out[i] = v.AMQP()
	}
	return out
}

func (k KwArgs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFields(&buf, k); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (k KwArgs) AMQP() amqp.Table {
	return Map(k...).AMQP().(amqp.Table)
}

// Get returns the last value stored under key.
func (k KwArgs) Get(key string) (Value, bool) {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i].Key == key {
			return k[i].Value, true
		}
	}
	return Value{}, false
}
