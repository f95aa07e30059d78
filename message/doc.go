// Package message models one Celery task invocation and renders it into the
// protocol v2 wire form: an AMQP header table, AMQP properties and a JSON
// body of the shape [args, kwargs, {callbacks, errbacks, chain, chord}].
//
// Arguments are carried as Value, a single tagged representation with
// explicit conversions to JSON (MarshalJSON) and to AMQP field values (AMQP).
// Encoders are pure and never touch the network.
package message
