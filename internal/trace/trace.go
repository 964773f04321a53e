// Package trace captures per-agent execution records for audit. Records are
// buffered in memory during a pipeline run and persisted in the same
// transaction as the classification they explain.
package trace

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// maxDepth bounds how deep sanitize walks nested payloads before replacing
// the remainder with a type-name sentinel.
const maxDepth = 5

// agentVersion labels every record so a stored trace can be matched to the
// agent revision that produced it. Bump it when an agent's contract changes.
const agentVersion = "1.0"

// Consultation is one knowledge-base lookup an agent performed.
type Consultation struct {
	Query       string  `json:"query"`
	Source      string  `json:"source"`
	LatencyMS   int64   `json:"latency_ms"`
	ResultCount int     `json:"result_count"`
	TopScore    float64 `json:"top_score"`
}

// Record is the flat trace of a single agent execution.
type Record struct {
	ID               string         `json:"id"`
	ClassificationID string         `json:"classification_id"`
	Agent            string         `json:"agent"`
	AgentVersion     string         `json:"agent_version,omitempty"`
	InputJSON        string         `json:"input_json"`
	OutputJSON       string         `json:"output_json"`
	LatencyMS        int64          `json:"latency_ms"`
	TokensUsed       int            `json:"tokens_used"`
	Success          bool           `json:"success"`
	Error            string         `json:"error,omitempty"`
	Consultations    []Consultation `json:"consultations,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Recorder accumulates the records of one pipeline run. It is not safe for
// concurrent use; each run owns its recorder.
type Recorder struct {
	classificationID string
	records          []Record
}

// NewRecorder starts a recorder bound to a classification.
func NewRecorder(classificationID string) *Recorder {
	return &Recorder{classificationID: classificationID}
}

// Begin opens a record for an agent and returns a closure that finalizes it.
// The returned finish function marshals input and output with depth-limited
// sanitization and appends the record to the run.
func (r *Recorder) Begin(agent string, input any) func(output any, tokens int, err error) {
	start := time.Now()
	rec := Record{
		ID:               uuid.NewString(),
		ClassificationID: r.classificationID,
		Agent:            agent,
		AgentVersion:     agentVersion,
		InputJSON:        MarshalPayload(input),
		CreatedAt:        start,
	}
	return func(output any, tokens int, err error) {
		rec.LatencyMS = time.Since(start).Milliseconds()
		rec.OutputJSON = MarshalPayload(output)
		rec.TokensUsed = tokens
		rec.Success = err == nil
		if err != nil {
			rec.Error = err.Error()
		}
		r.records = append(r.records, rec)
	}
}

// Consult attaches a knowledge-base lookup to the most recent record. Calls
// before any Begin has finished are dropped.
func (r *Recorder) Consult(c Consultation) {
	if len(r.records) == 0 {
		return
	}
	last := &r.records[len(r.records)-1]
	last.Consultations = append(last.Consultations, c)
}

// Append adds a fully built record, used for synthetic entries such as a
// golden-set hit that bypasses the agent chain.
func (r *Recorder) Append(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.AgentVersion == "" {
		rec.AgentVersion = agentVersion
	}
	rec.ClassificationID = r.classificationID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	r.records = append(r.records, rec)
}

// Records returns the accumulated records in execution order.
func (r *Recorder) Records() []Record {
	return r.records
}

// MarshalPayload serializes an arbitrary payload to JSON with nesting capped
// at a fixed depth. Values below the cap are replaced by their type name so
// a cyclic or enormous structure can never blow up a trace row.
func MarshalPayload(v any) string {
	b, err := json.Marshal(sanitize(reflect.ValueOf(v), 0))
	if err != nil {
		return fmt.Sprintf("%q", fmt.Sprintf("<unserializable: %T>", v))
	}
	return string(b)
}

func sanitize(v reflect.Value, depth int) any {
	if !v.IsValid() {
		return nil
	}
	if depth >= maxDepth {
		return fmt.Sprintf("<%s>", v.Type())
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return sanitize(v.Elem(), depth)
	case reflect.Struct:
		out := make(map[string]any)
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag, ok := f.Tag.Lookup("json"); ok {
				if tag == "-" {
					continue
				}
				if comma := len(tag); comma > 0 {
					for j, c := range tag {
						if c == ',' {
							comma = j
							break
						}
					}
					if comma > 0 {
						name = tag[:comma]
					}
				}
			}
			out[name] = sanitize(v.Field(i), depth+1)
		}
		return out
	case reflect.Map:
		out := make(map[string]any, v.Len())
		for _, k := range v.MapKeys() {
			out[fmt.Sprint(k.Interface())] = sanitize(v.MapIndex(k), depth+1)
		}
		return out
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return fmt.Sprintf("<%d bytes>", v.Len())
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = sanitize(v.Index(i), depth+1)
		}
		return out
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return fmt.Sprintf("<%s>", v.Type())
	default:
		return v.Interface()
	}
}
