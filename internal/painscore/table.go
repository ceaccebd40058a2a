// Package painscore maps a lead's signal set to a deterministic 0-100
// opportunity score using a declarative rule table.
package painscore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/resilience"
)

// Op is a rule trigger comparison.
type Op string

const (
	OpEq    Op = "eq"
	OpNe    Op = "ne"
	OpLt    Op = "lt"
	OpLte   Op = "lte"
	OpGt    Op = "gt"
	OpGte   Op = "gte"
	OpIn    Op = "in"
	OpNotIn Op = "not_in"
)

func (o Op) numeric() bool {
	return o == OpLt || o == OpLte || o == OpGt || o == OpGte
}

func (o Op) set() bool {
	return o == OpIn || o == OpNotIn
}

func (o Op) known() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpIn, OpNotIn:
		return true
	}
	return false
}

// Rule awards points when a signal of Kind satisfies Op against Value or
// Values. A missing signal never triggers a rule.
type Rule struct {
	Name   string           `yaml:"name" json:"name"`
	Kind   model.SignalKind `yaml:"kind" json:"kind"`
	Op     Op               `yaml:"op" json:"op"`
	Value  any              `yaml:"value,omitempty" json:"value,omitempty"`
	Values []any            `yaml:"values,omitempty" json:"values,omitempty"`
	Points int              `yaml:"points" json:"points"`
	// MinConfidence skips signals below this confidence level.
	MinConfidence model.Confidence `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty"`
}

// Category labels scores at or above Min.
type Category struct {
	Name string `yaml:"name" json:"name"`
	Min  int    `yaml:"min" json:"min"`
}

// Table is the signal weight table.
type Table struct {
	Rules      []Rule     `yaml:"rules" json:"rules"`
	Categories []Category `yaml:"categories" json:"categories"`
}

// LoadTable reads a weight table from a YAML file with a top-level "scoring"
// key and validates it.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "painscore: read table %s", path)
	}
	return ParseTable(data)
}

// ParseTable parses and validates weight table YAML.
func ParseTable(data []byte) (*Table, error) {
	var wrapper struct {
		Scoring Table `yaml:"scoring"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "painscore: parse table")
	}
	t := &wrapper.Scoring
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the table for inconsistencies. Errors wrap
// resilience.ErrInvalidWeightTable and are fatal at startup.
func (t *Table) Validate() error {
	var errs []string

	if len(t.Rules) == 0 {
		errs = append(errs, "no rules")
	}
	names := map[string]bool{}
	for i, r := range t.Rules {
		label := fmt.Sprintf("rules[%d]", i)
		if r.Name == "" {
			errs = append(errs, label+": name is required")
		} else {
			label = r.Name
			if names[r.Name] {
				errs = append(errs, fmt.Sprintf("duplicate rule %q", r.Name))
			}
			names[r.Name] = true
		}
		if r.Kind == "" {
			errs = append(errs, label+": kind is required")
		}
		if r.Points == 0 {
			errs = append(errs, label+": points must be non-zero")
		}
		if r.MinConfidence != "" && r.MinConfidence.Rank() == 0 && r.MinConfidence != model.ConfidenceUnknown {
			errs = append(errs, fmt.Sprintf("%s: unknown min_confidence %q", label, r.MinConfidence))
		}
		switch {
		case !r.Op.known():
			errs = append(errs, fmt.Sprintf("%s: unknown op %q", label, r.Op))
		case r.Op.set():
			if len(r.Values) == 0 {
				errs = append(errs, fmt.Sprintf("%s: op %s requires values", label, r.Op))
			}
		case r.Value == nil:
			errs = append(errs, fmt.Sprintf("%s: op %s requires value", label, r.Op))
		case r.Op.numeric():
			if _, ok := toFloat(r.Value); !ok {
				errs = append(errs, fmt.Sprintf("%s: op %s requires a numeric value", label, r.Op))
			}
		}
	}

	if len(t.Categories) == 0 {
		errs = append(errs, "no categories")
	} else {
		if t.Categories[0].Min != 0 {
			errs = append(errs, "first category must start at 0")
		}
		for i := 1; i < len(t.Categories); i++ {
			if t.Categories[i].Min <= t.Categories[i-1].Min {
				errs = append(errs, fmt.Sprintf("category %q must start above %q", t.Categories[i].Name, t.Categories[i-1].Name))
			}
		}
		for _, c := range t.Categories {
			if c.Name == "" {
				errs = append(errs, "category name is required")
			}
			if c.Min < 0 || c.Min > MaxScore {
				errs = append(errs, fmt.Sprintf("category %q min %d outside 0..%d", c.Name, c.Min, MaxScore))
			}
		}
	}

	if len(errs) > 0 {
		return eris.Wrapf(resilience.ErrInvalidWeightTable, "%s", strings.Join(errs, "; "))
	}
	return nil
}

// Hash identifies the table's content so persisted scores name the exact
// table that derived them.
func (t *Table) Hash() string {
	data, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Kinds returns the signal kinds the table scores, sorted.
func (t *Table) Kinds() []model.SignalKind {
	seen := map[model.SignalKind]bool{}
	for _, r := range t.Rules {
		seen[r.Kind] = true
	}
	kinds := make([]model.SignalKind, 0, len(seen))
	for k := range seen {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// DefaultTable returns the built-in weight table.
func DefaultTable() *Table {
	return &Table{
		Rules: []Rule{
			{Name: "license_not_active", Kind: model.SignalLicenseStatus, Op: OpNe, Value: "active", Points: 2},
			{Name: "bbb_complaints", Kind: model.SignalBBBComplaints3yr, Op: OpGte, Value: 3, Points: 2},
			{Name: "bbb_poor_rating", Kind: model.SignalBBBRating, Op: OpIn, Values: []any{"C+", "C", "C-", "D+", "D", "D-", "F"}, Points: 2},
			{Name: "bbb_not_accredited", Kind: model.SignalBBBAccredited, Op: OpEq, Value: false, Points: 1, MinConfidence: model.ConfidenceMedium},
			{Name: "slow_website", Kind: model.SignalPerformanceScore, Op: OpLt, Value: 50, Points: 2},
			{Name: "not_mobile_friendly", Kind: model.SignalMobileFriendly, Op: OpEq, Value: false, Points: 2},
			{Name: "dated_design", Kind: model.SignalVisualScore, Op: OpLt, Value: 40, Points: 2},
			{Name: "legacy_design_era", Kind: model.SignalDesignEra, Op: OpIn, Values: []any{"1990s", "2000s"}, Points: 1},
			{Name: "address_unverified", Kind: model.SignalAddressVerified, Op: OpEq, Value: false, Points: 1, MinConfidence: model.ConfidenceMedium},
			{Name: "residential_address", Kind: model.SignalAddressType, Op: OpEq, Value: "residential", Points: 1},
			{Name: "low_rating", Kind: model.SignalRating, Op: OpLt, Value: 3.5, Points: 1},
			{Name: "few_reviews", Kind: model.SignalReviewCount, Op: OpLt, Value: 10, Points: 1},
		},
		Categories: []Category{
			{Name: "none", Min: 0},
			{Name: "mild", Min: 1},
			{Name: "moderate", Min: 4},
			{Name: "acute", Min: 8},
		},
	}
}
