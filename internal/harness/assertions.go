package harness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent // included in the message when set
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", ev.Seq, ev.Topic, ev.JobID, formatFields(ev.Fields))
		}
	}
	return buf.String()
}

// EvaluateAssertions evaluates every assertion against result and returns
// the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result, a)
		case AssertFinalState:
			err = assertFinalState(result, a)
		case AssertStatistics:
			err = assertStatistics(result, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// matches reports whether ev has the topic, belongs to jobID (when set)
// and carries every expected field.
func matches(ev TraceEvent, topic, jobID string, fields map[string]any) bool {
	if ev.Topic != topic {
		return false
	}
	if jobID != "" && ev.JobID != jobID {
		return false
	}
	return matchFields(ev.Fields, fields)
}

func assertTraceContains(result *Result, a Assertion) error {
	jobID := ""
	if a.Job != "" {
		jobID = result.jobID(a.Job)
	}
	for _, ev := range result.Trace {
		if matches(ev, a.Topic, jobID, a.Fields) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s %s %s", a.Topic, jobID, formatFields(a.Fields)),
		Actual:   "not found in trace",
		Trace:    result.Trace,
	}
}

// assertTraceOrder checks that the first occurrence of each topic follows
// the previous one. Other events may appear in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if _, seen := positions[ev.Topic]; !seen {
			positions[ev.Topic] = i + 1
		}
	}

	for _, topic := range a.Topics {
		if positions[topic] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all topics present: %v", a.Topics),
				Actual:   fmt.Sprintf("missing topic: %s", topic),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Topics); i++ {
		prev, curr := a.Topics[i-1], a.Topics[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("topics in order: %v", a.Topics),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(result *Result, a Assertion) error {
	jobID := ""
	if a.Job != "" {
		jobID = result.jobID(a.Job)
	}
	count := 0
	for _, ev := range result.Trace {
		if matches(ev, a.Topic, jobID, a.Fields) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Topic),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertFinalState(result *Result, a Assertion) error {
	id := result.jobID(a.Job)
	job, ok := result.findJob(id)
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("job %s (%s) to exist", a.Job, id),
			Actual:   "job not found in queue or history",
		}
	}
	return expectSubset(AssertFinalState, "job "+a.Job, job, a.Expect)
}

func assertStatistics(result *Result, a Assertion) error {
	return expectSubset(AssertStatistics, "statistics", result.Statistics, a.Expect)
}

// expectSubset compares expected against v's JSON form.
func expectSubset(kind, subject string, v any, expect map[string]any) error {
	actual, err := toMap(v)
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	for _, key := range sortedKeys(expect) {
		got, ok := actual[key]
		if !ok {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s field %q to exist", subject, key),
				Actual:   fmt.Sprintf("fields present: %v", sortedKeys(actual)),
			}
		}
		if !valuesEqual(got, expect[key]) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s field %q = %v", subject, key, expect[key]),
				Actual:   fmt.Sprintf("%s field %q = %v", subject, key, got),
			}
		}
	}
	return nil
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// matchFields checks that actual carries every expected field. Extra keys
// in actual are ignored.
func matchFields(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares after normalizing numbers to float64 and slices to
// []any, so YAML ints match engine floats and string slices.
func valuesEqual(actual, expected any) bool {
	return reflect.DeepEqual(normalize(actual), normalize(expected))
}

func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalize(e)
		}
		return out
	default:
		return v
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fields))
	for _, k := range sortedKeys(fields) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}
