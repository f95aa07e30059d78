package message

import (
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ContentTypeJSON     = "application/json"
	ContentEncodingUTF8 = "utf-8"
)

// Properties are the AMQP message properties of a task message. The message
// id is generated per publish and is not stored here.
type Properties struct {
	CorrelationID   string
	ContentType     string
	ContentEncoding string
	ReplyTo         string
}

// DefaultProperties returns JSON/UTF-8 properties correlated with taskID.
func DefaultProperties(taskID string) Properties {
	return Properties{
		CorrelationID:   taskID,
		ContentType:     ContentTypeJSON,
		ContentEncoding: ContentEncodingUTF8,
	}
}

// Publishing renders the properties. Headers, body and delivery mode are
// filled in by the caller.
func (p Properties) Publishing(messageID string) amqp.Publishing {
	return amqp.Publishing{
		MessageId:       messageID,
		CorrelationId:   p.CorrelationID,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		ReplyTo:         p.ReplyTo,
	}
}

// Body is the task composition metadata, the third element of the body
// envelope.
type Body struct {
	Chord     string
	Chain     string
	Callbacks []string
	Errbacks  []string
}

// JSONMap returns the four body keys. Absent fields are explicit nulls.
func (b Body) JSONMap() map[string]interface{} {
	m := map[string]interface{}{
		"chord":     optional(b.Chord),
		"chain":     optional(b.Chain),
		"callbacks": nil,
		"errbacks":  nil,
	}
	if b.Callbacks != nil {
		m["callbacks"] = b.Callbacks
	}
	if b.Errbacks != nil {
		m["errbacks"] = b.Errbacks
	}
	return m
}

// Message is one task invocation.
type Message struct {
	Properties Properties
	Headers    Headers
	Body       Body
	Args       *Args
	KwArgs     *KwArgs
}

// EncodeBody renders the Celery protocol v2 body: a JSON array of exactly
// three elements, [args, kwargs, body]. Nil args or kwargs encode as null.
func (m Message) EncodeBody() ([]byte, error) {
	envelope := [3]interface{}{nil, nil, m.Body.JSONMap()}
	if m.Args != nil {
		envelope[0] = *m.Args
	}
	if m.KwArgs != nil {
		envelope[1] = *m.KwArgs
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return b, nil
}
