package message

import (
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header keys. Every key is present in an encoded header table.
const (
	HeaderLang       = "lang"
	HeaderTask       = "task"
	HeaderID         = "id"
	HeaderRootID     = "root_id"
	HeaderParentID   = "parent_id"
	HeaderGroup      = "group"
	HeaderMeth       = "meth"
	HeaderShadow     = "shadow"
	HeaderETA        = "eta"
	HeaderExpires    = "expires"
	HeaderRetries    = "retries"
	HeaderTimeLimit  = "timelimit"
	HeaderArgsRepr   = "argsrepr"
	HeaderKwargsRepr = "kwargsrepr"
	HeaderOrigin     = "origin"
)

// HeaderKeys lists the header keys in envelope order.
var HeaderKeys = []string{
	HeaderLang, HeaderTask, HeaderID, HeaderRootID, HeaderParentID, HeaderGroup,
	HeaderMeth, HeaderShadow, HeaderETA, HeaderExpires, HeaderRetries,
	HeaderTimeLimit, HeaderArgsRepr, HeaderKwargsRepr, HeaderOrigin,
}

// TimeLimit is a task's soft and hard time limit. Both encode in whole seconds.
type TimeLimit struct {
	Soft time.Duration
	Hard time.Duration
}

// Headers is the Celery task metadata carried in the AMQP header table.
// Empty strings and nil pointers are absent fields.
type Headers struct {
	Lang     string
	Task     string
	ID       string
	RootID   string
	ParentID string
	Group    string
	Meth     string
	Shadow   string
	// ETA and Expires are ISO 8601 timestamps.
	ETA        string
	Expires    string
	Retries    *int8
	TimeLimit  *TimeLimit
	ArgsRepr   *Args
	KwargsRepr *KwArgs
	// Origin defaults to the sender's anonymous node name.
	Origin string
}

// AMQPTable renders the header table. Absent fields are nil (AMQP void),
// except argsrepr and kwargsrepr which default to "[]" and "{}".
func (h Headers) AMQPTable(defaultOrigin string) (amqp.Table, error) {
	argsRepr, kwargsRepr, err := h.reprs()
	if err != nil {
		return nil, err
	}

	var retries interface{}
	if h.Retries != nil {
		retries = *h.Retries
	}

	timeLimit := []interface{}{nil, nil}
	if h.TimeLimit != nil {
		timeLimit = []interface{}{seconds(h.TimeLimit.Soft), seconds(h.TimeLimit.Hard)}
	}

	return amqp.Table{
		HeaderLang:       optional(h.Lang),
		HeaderTask:       optional(h.Task),
		HeaderID:         optional(h.ID),
		HeaderRootID:     optional(h.RootID),
		HeaderParentID:   optional(h.ParentID),
		HeaderGroup:      optional(h.Group),
		HeaderMeth:       optional(h.Meth),
		HeaderShadow:     optional(h.Shadow),
		HeaderETA:        optional(h.ETA),
		HeaderExpires:    optional(h.Expires),
		HeaderRetries:    retries,
		HeaderTimeLimit:  timeLimit,
		HeaderArgsRepr:   argsRepr,
		HeaderKwargsRepr: kwargsRepr,
		HeaderOrigin:     h.origin(defaultOrigin),
	}, nil
}

// JSONMap renders the same key set with JSON types, for inspection.
func (h Headers) JSONMap(defaultOrigin string) (map[string]interface{}, error) {
	argsRepr, kwargsRepr, err := h.reprs()
	if err != nil {
		return nil, err
	}

	var retries interface{}
	if h.Retries != nil {
		retries = int(*h.Retries)
	}

	timeLimit := []interface{}{nil, nil}
	if h.TimeLimit != nil {
		timeLimit = []interface{}{seconds(h.TimeLimit.Soft), seconds(h.TimeLimit.Hard)}
	}

	return map[string]interface{}{
		HeaderLang:       optional(h.Lang),
		HeaderTask:       optional(h.Task),
		HeaderID:         optional(h.ID),
		HeaderRootID:     optional(h.RootID),
		HeaderParentID:   optional(h.ParentID),
		HeaderGroup:      optional(h.Group),
		HeaderMeth:       optional(h.Meth),
		HeaderShadow:     optional(h.Shadow),
		HeaderETA:        optional(h.ETA),
		HeaderExpires:    optional(h.Expires),
		HeaderRetries:    retries,
		HeaderTimeLimit:  timeLimit,
		HeaderArgsRepr:   argsRepr,
		HeaderKwargsRepr: kwargsRepr,
		HeaderOrigin:     h.origin(defaultOrigin),
	}, nil
}

func (h Headers) reprs() (string, string, error) {
	argsRepr, kwargsRepr := "[]", "{}"
	if h.ArgsRepr != nil {
		b, err := json.Marshal(*h.ArgsRepr)
		if err != nil {
			return "", "", fmt.Errorf("argsrepr: %w", err)
		}
		argsRepr = string(b)
	}
	if h.KwargsRepr != nil {
		b, err := json.Marshal(*h.KwargsRepr)
		if err != nil {
			return "", "", fmt.Errorf("kwargsrepr: %w", err)
		}
		kwargsRepr = string(b)
	}
	return argsRepr, kwargsRepr, nil
}

func (h Headers) origin(defaultOrigin string) interface{} {
	if h.Origin != "" {
		return h.Origin
	}
	return optional(defaultOrigin)
}

func optional(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
