package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nadmax/asynctasq-monitor/internal/stats"
)

// DiscriminatorKey is the envelope key naming the event type.
const DiscriminatorKey = "event_type"

var ErrMissingField = errors.New("missing required field")

type Outcome int

const (
	// OutcomeOK means Result.Event holds a fully populated event.
	OutcomeOK Outcome = iota
	// OutcomeIgnored means the envelope decoded but names no known event.
	OutcomeIgnored
	// OutcomeMalformed means the payload or one of its fields is unusable.
	OutcomeMalformed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the outcome of decoding one envelope. Exactly one of Event
// (OutcomeOK), Reason (OutcomeIgnored) or Err (OutcomeMalformed) is set.
type Result struct {
	Outcome   Outcome
	EventType string
	Event     Event
	Reason    string
	Err       error
}

func ok(ev Event) Result {
	return Result{Outcome: OutcomeOK, EventType: string(ev.Type()), Event: ev}
}

func ignored(eventType, reason string) Result {
	return Result{Outcome: OutcomeIgnored, EventType: eventType, Reason: reason}
}

func malformed(eventType string, err error) Result {
	return Result{Outcome: OutcomeMalformed, EventType: eventType, Err: err}
}

// Decode parses one msgpack envelope from the events channel.
func Decode(data []byte) Result {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return malformed("", fmt.Errorf("decode envelope: %w", err))
	}
	if raw == nil {
		return malformed("", errors.New("decode envelope: not a map"))
	}

	r := &reader{fields: raw}
	eventType := r.str(DiscriminatorKey)
	if r.err != nil {
		return malformed("", r.err)
	}
	if eventType == nil || *eventType == "" {
		return ignored("", "missing event_type")
	}

	build, known := builders[Type(*eventType)]
	if !known {
		return ignored(*eventType, fmt.Sprintf("unknown event_type %q", *eventType))
	}

	at := r.timestamp()
	ev := build(r, Meta{At: at})
	if r.err != nil {
		return malformed(*eventType, fmt.Errorf("%s: %w", *eventType, r.err))
	}

	return ok(ev)
}

var builders = map[Type]func(*reader, Meta) Event{
	TypeTaskEnqueued: func(r *reader, m Meta) Event {
		return TaskEnqueued{Meta: m, TaskRef: r.taskRef()}
	},
	TypeTaskStarted: func(r *reader, m Meta) Event {
		return TaskStarted{Meta: m, TaskRef: r.taskRef(), WorkerID: r.str("worker_id"), Attempt: r.attempt()}
	},
	TypeTaskCompleted: func(r *reader, m Meta) Event {
		return TaskCompleted{
			Meta:       m,
			TaskRef:    r.taskRef(),
			WorkerID:   r.str("worker_id"),
			Attempt:    r.attempt(),
			DurationMs: r.float("duration_ms"),
		}
	},
	TypeTaskFailed: func(r *reader, m Meta) Event {
		return TaskFailed{
			Meta:       m,
			TaskRef:    r.taskRef(),
			WorkerID:   r.str("worker_id"),
			Attempt:    r.attempt(),
			Error:      r.str("error"),
			DurationMs: r.float("duration_ms"),
		}
	},
	TypeTaskRetrying: func(r *reader, m Meta) Event {
		return TaskRetrying{
			Meta:     m,
			TaskRef:  r.taskRef(),
			WorkerID: r.str("worker_id"),
			Attempt:  r.attempt(),
			Error:    r.str("error"),
		}
	},
	TypeWorkerOnline: func(r *reader, m Meta) Event {
		return WorkerOnline{
			Meta:        m,
			WorkerID:    r.requiredStr("worker_id"),
			Hostname:    r.str("hostname"),
			Queues:      r.strings("queues"),
			Concurrency: r.integer("concurrency"),
		}
	},
	TypeWorkerHeartbeat: func(r *reader, m Meta) Event {
		return WorkerHeartbeat{
			Meta:           m,
			WorkerID:       r.requiredStr("worker_id"),
			Active:         r.integer("active"),
			Processed:      r.integer("processed"),
			UptimeSeconds:  r.float("uptime_seconds"),
			LoadPercentage: r.float("load_percentage"),
		}
	},
	TypeWorkerOffline: func(r *reader, m Meta) Event {
		return WorkerOffline{
			Meta:          m,
			WorkerID:      r.requiredStr("worker_id"),
			Processed:     r.integer("processed"),
			UptimeSeconds: r.float("uptime_seconds"),
			Reason:        r.str("reason"),
		}
	},
	TypeQueueDepthChanged: func(r *reader, m Meta) Event {
		return QueueDepthChanged{Meta: m, Queue: r.requiredStr("queue"), Depth: r.requiredInt("depth")}
	},
	TypeQueuePaused: func(r *reader, m Meta) Event {
		return QueuePaused{Meta: m, Queue: r.requiredStr("queue")}
	},
	TypeQueueResumed: func(r *reader, m Meta) Event {
		return QueueResumed{Meta: m, Queue: r.requiredStr("queue")}
	},
	TypeMetricsUpdated: func(r *reader, m Meta) Event {
		snap := stats.Snapshot{
			Pending:   r.requiredInt("pending"),
			Running:   r.requiredInt("running"),
			Completed: r.requiredInt("completed"),
			Failed:    r.requiredInt("failed"),
		}
		if workers := r.integer("active_workers"); workers != nil {
			snap.ActiveWorkers = *workers
		}
		if rate := r.float("success_rate"); rate != nil {
			snap.SuccessRate = *rate
		} else {
			snap.SuccessRate = stats.SuccessRate(snap.Completed, snap.Failed)
		}
		snap.QueueDepths = r.intMap("queue_depths")
		if snap.QueueDepths == nil {
			snap.QueueDepths = map[string]int{}
		}
		snap.CollectedAt = m.At
		return MetricsUpdated{Meta: m, Snapshot: snap}
	},
}

// Encode builds the msgpack envelope for ev. Unset optional fields are left
// out of the envelope.
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}

	for k, v := range fields {
		if v == nil {
			delete(fields, k)
		}
	}
	delete(fields, "collected_at")

	fields[DiscriminatorKey] = string(ev.Type())
	if at := ev.OccurredAt(); !at.IsZero() {
		fields["timestamp"] = float64(at.UnixNano()) / float64(time.Second)
	}

	return EncodeFields(fields)
}

// EncodeFields packs an arbitrary envelope. It is the raw form used by
// publishers that build envelopes by hand.
func EncodeFields(fields map[string]any) ([]byte, error) {
	return msgpack.Marshal(fields)
}

// reader pulls typed fields out of a decoded envelope. The first failure is
// kept in err and every later call becomes a no-op.
type reader struct {
	fields map[string]any
	err    error
}

func (r *reader) value(key string) (any, bool) {
	if r.err != nil {
		return nil, false
	}
	v, present := r.fields[key]
	if !present || v == nil {
		return nil, false
	}
	return v, true
}

func (r *reader) fail(key, want string, got any) {
	r.err = fmt.Errorf("field %q: expected %s, got %T", key, want, got)
}

func (r *reader) str(key string) *string {
	v, present := r.value(key)
	if !present {
		return nil
	}

	switch s := v.(type) {
	case string:
		return &s
	case []byte:
		str := string(s)
		return &str
	default:
		r.fail(key, "string", v)
		return nil
	}
}

func (r *reader) requiredStr(key string) string {
	s := r.str(key)
	if s == nil {
		if r.err == nil {
			r.err = fmt.Errorf("%w %q", ErrMissingField, key)
		}
		return ""
	}
	return *s
}

func (r *reader) float(key string) *float64 {
	v, present := r.value(key)
	if !present {
		return nil
	}

	f, isNumber := toFloat(v)
	if !isNumber {
		r.fail(key, "number", v)
		return nil
	}
	return &f
}

func (r *reader) integer(key string) *int {
	v, present := r.value(key)
	if !present {
		return nil
	}

	n, isInt := toInt(v)
	if !isInt {
		r.fail(key, "integer", v)
		return nil
	}
	return &n
}

func (r *reader) requiredInt(key string) int {
	n := r.integer(key)
	if n == nil {
		if r.err == nil {
			r.err = fmt.Errorf("%w %q", ErrMissingField, key)
		}
		return 0
	}
	return *n
}

func (r *reader) strings(key string) []string {
	v, present := r.value(key)
	if !present {
		return nil
	}

	items, isList := v.([]any)
	if !isList {
		r.fail(key, "list of strings", v)
		return nil
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		switch s := item.(type) {
		case string:
			out = append(out, s)
		case []byte:
			out = append(out, string(s))
		default:
			r.fail(key, "list of strings", item)
			return nil
		}
	}
	return out
}

func (r *reader) intMap(key string) map[string]int {
	v, present := r.value(key)
	if !present {
		return nil
	}

	m, isMap := v.(map[string]any)
	if !isMap {
		r.fail(key, "map of integers", v)
		return nil
	}

	out := make(map[string]int, len(m))
	for name, raw := range m {
		n, isInt := toInt(raw)
		if !isInt {
			r.fail(key, "map of integers", raw)
			return nil
		}
		out[name] = n
	}
	return out
}

func (r *reader) taskRef() TaskRef {
	return TaskRef{
		TaskID:   r.requiredStr("task_id"),
		TaskName: r.requiredStr("task_name"),
		Queue:    r.requiredStr("queue"),
	}
}

// attempt defaults to the first attempt when the publisher leaves it out.
func (r *reader) attempt() int {
	if n := r.integer("attempt"); n != nil {
		return *n
	}
	return 1
}

// timestamp accepts unix seconds or an RFC 3339 string.
func (r *reader) timestamp() time.Time {
	v, present := r.value("timestamp")
	if !present {
		return time.Time{}
	}

	if f, isNumber := toFloat(v); isNumber {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
	}

	if s, isString := v.(string); isString {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			r.err = fmt.Errorf("field %q: %w", "timestamp", err)
			return time.Time{}
		}
		return t
	}

	r.fail("timestamp", "number or RFC 3339 string", v)
	return time.Time{}
}

// toInt accepts whole numbers that fit in an int.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		if n < math.MinInt || n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	case uint64:
		if n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	}

	f, isNumber := toFloat(v)
	if !isNumber || f != math.Trunc(f) || f < math.MinInt || f >= math.MaxInt {
		return 0, false
	}
	return int(f), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}
