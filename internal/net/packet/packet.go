package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"
	"time"
)

// ErrDecode is wrapped by every wire decoding failure.
var ErrDecode = errors.New("packet decode")

// Type classifies a packet for dispatch.
type Type int

const (
	TypeReliable Type = iota
	TypeUnreliable
	TypeBroadcast
	TypeAuth
	TypePing
	TypeSession
)

// Types lists every packet type in declaration order.
var Types = []Type{TypeReliable, TypeUnreliable, TypeBroadcast, TypeAuth, TypePing, TypeSession}

func (t Type) String() string {
	switch t {
	case TypeReliable:
		return "reliable"
	case TypeUnreliable:
		return "unreliable"
	case TypeBroadcast:
		return "broadcast"
	case TypeAuth:
		return "auth"
	case TypePing:
		return "ping"
	case TypeSession:
		return "session"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown type %q", ErrDecode, s)
}

// Priority is a dispatch ordering hint. It is not enforced by transports.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrDecode, s)
}

// Packet is the unit of transmission. Treat it as a value: handlers must not
// mutate Payload.
type Packet struct {
	Seq       uint64
	Type      Type
	Priority  Priority
	Channel   string // optional logical grouping, e.g. "transforms"
	Sender    string // optional
	Timestamp time.Time
	Payload   map[string]any
}

// Option customizes a packet built with New.
type Option func(*Packet)

func WithPriority(p Priority) Option { return func(pk *Packet) { pk.Priority = p } }

func WithChannel(ch string) Option { return func(pk *Packet) { pk.Channel = ch } }

func WithSender(id string) Option { return func(pk *Packet) { pk.Sender = id } }

func WithTimestamp(ts time.Time) Option { return func(pk *Packet) { pk.Timestamp = ts } }

// New builds a packet stamped with the current time unless WithTimestamp
// says otherwise. A nil payload becomes an empty map.
func New(seq uint64, typ Type, payload map[string]any, opts ...Option) Packet {
	if payload == nil {
		payload = map[string]any{}
	}
	p := Packet{
		Seq:       seq,
		Type:      typ,
		Priority:  PriorityNormal,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	for _, o := range opts {
		o(&p)
	}
	return p
}

// Flag reads a boolean payload field, false when absent or not a bool.
func (p Packet) Flag(key string) bool {
	v, ok := p.Payload[key].(bool)
	return ok && v
}

// Encode returns the structured wire representation:
//
//	{seq, type, priority, channel?, sender?, ts (epoch ms), payload}
func (p Packet) Encode() map[string]any {
	m := map[string]any{
		"seq":      p.Seq,
		"type":     p.Type.String(),
		"priority": p.Priority.String(),
		"ts":       p.Timestamp.UnixMilli(),
		"payload":  p.payloadOrEmpty(),
	}
	if p.Channel != "" {
		m["channel"] = p.Channel
	}
	if p.Sender != "" {
		m["sender"] = p.Sender
	}
	return m
}

func (p Packet) payloadOrEmpty() map[string]any {
	if p.Payload == nil {
		return map[string]any{}
	}
	return p.Payload
}

// Decode rebuilds a packet from its wire map. Optional fields fall back to
// their defaults; a malformed required field yields an error wrapping
// ErrDecode.
func Decode(m map[string]any) (Packet, error) {
	seq, err := UintField(m, "seq")
	if err != nil {
		return Packet{}, err
	}
	ms, err := IntField(m, "ts")
	if err != nil {
		return Packet{}, err
	}

	typeName, ok := m["type"].(string)
	if !ok {
		return Packet{}, fmt.Errorf("%w: missing type", ErrDecode)
	}
	typ, err := ParseType(typeName)
	if err != nil {
		return Packet{}, err
	}

	prio := PriorityNormal
	if raw, present := m["priority"]; present && raw != nil {
		name, ok := raw.(string)
		if !ok {
			return Packet{}, fmt.Errorf("%w: priority is %T", ErrDecode, raw)
		}
		if prio, err = ParsePriority(name); err != nil {
			return Packet{}, err
		}
	}

	channel, err := optString(m, "channel")
	if err != nil {
		return Packet{}, err
	}
	sender, err := optString(m, "sender")
	if err != nil {
		return Packet{}, err
	}

	payload := map[string]any{}
	if raw, present := m["payload"]; present && raw != nil {
		pm, ok := raw.(map[string]any)
		if !ok {
			return Packet{}, fmt.Errorf("%w: payload is %T", ErrDecode, raw)
		}
		payload = pm
	}

	return Packet{
		Seq:       seq,
		Type:      typ,
		Priority:  prio,
		Channel:   channel,
		Sender:    sender,
		Timestamp: time.UnixMilli(ms),
		Payload:   payload,
	}, nil
}

func optString(m map[string]any, key string) (string, error) {
	raw, present := m[key]
	if !present || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is %T", ErrDecode, key, raw)
	}
	return s, nil
}

// UintField reads a non-negative integer. It accepts every numeric shape
// a map may carry after passing through encoding/json or being built by
// hand.
func UintField(m map[string]any, key string) (uint64, error) {
	raw, present := m[key]
	if !present || raw == nil {
		return 0, fmt.Errorf("%w: missing %s", ErrDecode, key)
	}
	switch v := raw.(type) {
	case uint64:
		return v, nil
	case uint:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case int:
		if v >= 0 {
			return uint64(v), nil
		}
	case int32:
		if v >= 0 {
			return uint64(v), nil
		}
	case int64:
		if v >= 0 {
			return uint64(v), nil
		}
	case float64:
		if v >= 0 && v == math.Trunc(v) && v < 1<<63 {
			return uint64(v), nil
		}
	case json.Number:
		if n, err := strconv.ParseUint(v.String(), 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: %s is not a non-negative integer (%v)", ErrDecode, key, raw)
}

// IntField reads a signed integer such as an epoch timestamp.
func IntField(m map[string]any, key string) (int64, error) {
	raw, present := m[key]
	if !present || raw == nil {
		return 0, fmt.Errorf("%w: missing %s", ErrDecode, key)
	}
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint:
		if uint64(v) <= math.MaxInt64 {
			return int64(v), nil
		}
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v), nil
		}
	case float64:
		if v == math.Trunc(v) && v >= -(1<<63) && v < 1<<63 {
			return int64(v), nil
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: %s is not an integer (%v)", ErrDecode, key, raw)
}

// FloatField reads any numeric value as float64.
func FloatField(m map[string]any, key string) (float64, error) {
	raw, present := m[key]
	if !present || raw == nil {
		return 0, fmt.Errorf("%w: missing %s", ErrDecode, key)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %s is not a number (%v)", ErrDecode, key, raw)
}

// Marshal encodes p as JSON.
func Marshal(p Packet) ([]byte, error) {
	return json.Marshal(p.Encode())
}

// Unmarshal decodes JSON produced by Marshal. Envelope integers keep full
// 64-bit precision. Payload numbers become float64 unless they are integers
// float64 cannot hold exactly; those stay json.Number for UintField and
// IntField.
func Unmarshal(data []byte) (Packet, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Packet{}, fmt.Errorf("%w: trailing data after packet", ErrDecode)
	}
	if payload, ok := m["payload"].(map[string]any); ok {
		normalizeNumbers(payload)
	}
	return Decode(m)
}

// maxExactInt is the largest integer magnitude float64 represents exactly.
const maxExactInt = 1 << 53

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
	case json.Number:
		return numberValue(t)
	}
	return v
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		if i >= -maxExactInt && i <= maxExactInt {
			return float64(i)
		}
		return n
	}
	if _, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return n
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n
}

// Equal compares every field, timestamps at millisecond precision.
func (p Packet) Equal(o Packet) bool {
	return p.Seq == o.Seq &&
		p.Type == o.Type &&
		p.Priority == o.Priority &&
		p.Channel == o.Channel &&
		p.Sender == o.Sender &&
		p.Timestamp.UnixMilli() == o.Timestamp.UnixMilli() &&
		reflect.DeepEqual(p.payloadOrEmpty(), o.payloadOrEmpty())
}
