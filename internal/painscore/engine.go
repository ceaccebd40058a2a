package painscore

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sells-group/qualify-cli/internal/model"
)

// MaxScore is the upper bound of a pain score.
const MaxScore = 100

// Engine scores signal sets against a validated table.
type Engine struct {
	table Table
	hash  string
}

// NewEngine validates t and returns an engine over a private copy of it.
func NewEngine(t *Table) (*Engine, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	cp := Table{
		Rules:      append([]Rule(nil), t.Rules...),
		Categories: append([]Category(nil), t.Categories...),
	}
	return &Engine{table: cp, hash: cp.Hash()}, nil
}

// TableHash returns the hash of the engine's table.
func (e *Engine) TableHash() string {
	return e.hash
}

// Score derives the pain score from signals. It has no side effects and
// depends on nothing but its input and the table.
func (e *Engine) Score(signals []model.Signal) model.PainScore {
	byKind := pick(signals)

	ps := model.PainScore{Contributors: []model.Contributor{}, TableHash: e.hash}
	total := 0
	for _, r := range e.table.Rules {
		sig, ok := byKind[r.Kind]
		if !ok || !r.triggers(sig) {
			continue
		}
		total += r.Points
		ps.Contributors = append(ps.Contributors, model.Contributor{
			Rule:   r.Name,
			Kind:   r.Kind,
			Value:  sig.Value,
			Source: sig.Source,
			Points: r.Points,
		})
	}

	ps.Score = clamp(total)
	ps.Category = e.category(ps.Score)
	return ps
}

func (e *Engine) category(score int) string {
	name := ""
	for _, c := range e.table.Categories {
		if score >= c.Min {
			name = c.Name
		}
	}
	return name
}

func clamp(v int) int {
	switch {
	case v < 0:
		return 0
	case v > MaxScore:
		return MaxScore
	default:
		return v
	}
}

// pick keeps one signal per kind. When a kind repeats, the highest score
// wins, then the lexically first source, so input order never matters.
func pick(signals []model.Signal) map[model.SignalKind]model.Signal {
	out := make(map[model.SignalKind]model.Signal, len(signals))
	for _, s := range signals {
		cur, ok := out[s.Kind]
		if !ok || better(s, cur) {
			out[s.Kind] = s
		}
	}
	return out
}

func better(a, b model.Signal) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return fmt.Sprint(a.Value) < fmt.Sprint(b.Value)
}

func (r Rule) triggers(sig model.Signal) bool {
	if sig.Value == nil {
		return false
	}
	if r.MinConfidence != "" && !sig.Confidence.AtLeast(r.MinConfidence) {
		return false
	}
	switch r.Op {
	case OpEq:
		return equal(sig.Value, r.Value)
	case OpNe:
		return !equal(sig.Value, r.Value)
	case OpIn, OpNotIn:
		found := false
		for _, v := range r.Values {
			if equal(sig.Value, v) {
				found = true
				break
			}
		}
		return found == (r.Op == OpIn)
	default:
		a, ok := toFloat(sig.Value)
		if !ok {
			return false
		}
		b, _ := toFloat(r.Value)
		switch r.Op {
		case OpLt:
			return a < b
		case OpLte:
			return a <= b
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		}
	}
	return false
}

// equal compares numerically when both sides are numbers, as booleans when
// the expected value is a boolean, and otherwise as case-insensitive text.
func equal(actual, expected any) bool {
	if b, ok := expected.(bool); ok {
		got, ok := toBool(actual)
		return ok && got == b
	}
	if x, ok := toFloat(expected); ok {
		if y, ok := toFloat(actual); ok {
			return math.Abs(x-y) < 1e-9
		}
	}
	return strings.EqualFold(strings.TrimSpace(fmt.Sprint(actual)), strings.TrimSpace(fmt.Sprint(expected)))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		p, err := strconv.ParseBool(strings.TrimSpace(b))
		return p, err == nil
	default:
		return false, false
	}
}
