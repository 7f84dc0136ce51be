// Package filter evaluates CEL predicates against stored events.
//
// An expression sees these variables:
//
//	event_type   string               event type id
//	source       string               source (partition) key
//	sequence     int                  sequence number
//	occurred_ms  int                  occurrence time, unix milliseconds
//	redacted     bool                 whether the event was redacted
//	correlation  string               correlation id from the event context
//	metadata     map(string, string)  event context metadata
//	content      dyn                  decoded JSON content, null when redacted
//
// Example:
//
//	event_type == "order-placed" && content.total > 100
package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
)

// ErrInvalidExpression is returned when an expression does not compile to a
// boolean predicate.
var ErrInvalidExpression = errors.New("invalid filter expression")

// Predicate is a compiled expression. The zero value and a Predicate compiled
// from an empty expression match every event.
type Predicate struct {
	expr string
	prog cel.Program
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("event_type", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("sequence", cel.IntType),
		cel.Variable("occurred_ms", cel.IntType),
		cel.Variable("redacted", cel.BoolType),
		cel.Variable("correlation", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("content", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
}

// Compile parses and type-checks expr.
func Compile(expr string) (*Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Predicate{}, nil
	}
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, iss.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: %q yields %s, want bool", ErrInvalidExpression, expr, out)
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	return &Predicate{expr: expr, prog: prog}, nil
}

// MustCompile is Compile for expressions known to be valid.
func MustCompile(expr string) *Predicate {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source expression.
func (p *Predicate) String() string {
	if p == nil {
		return ""
	}
	return p.expr
}

// Enabled reports whether p restricts anything.
func (p *Predicate) Enabled() bool {
	return p != nil && p.prog != nil
}

// Match evaluates p against ev. Evaluation errors, such as a missing
// content field, count as no match.
func (p *Predicate) Match(ev *eventlog.AppendedEvent) bool {
	if !p.Enabled() {
		return true
	}
	out, _, err := p.prog.Eval(activation(ev))
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// Apply returns the events in events that match p, preserving order.
func (p *Predicate) Apply(events []eventlog.AppendedEvent) []eventlog.AppendedEvent {
	if !p.Enabled() {
		return events
	}
	out := events[:0:0]
	for i := range events {
		if p.Match(&events[i]) {
			out = append(out, events[i])
		}
	}
	return out
}

func activation(ev *eventlog.AppendedEvent) map[string]any {
	var content any
	if len(ev.Content) > 0 && !ev.Redacted {
		_ = json.Unmarshal(ev.Content, &content)
	}
	metadata := ev.Context.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	var occurred int64
	if !ev.OccurredAt.IsZero() {
		occurred = ev.OccurredAt.UnixMilli()
	}
	return map[string]any{
		"event_type":  string(ev.Type),
		"source":      string(ev.Source),
		"sequence":    int64(ev.SequenceNumber),
		"occurred_ms": occurred,
		"redacted":    ev.Redacted,
		"correlation": ev.Context.CorrelationID,
		"metadata":    metadata,
		"content":     content,
	}
}
