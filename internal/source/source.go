// Package source wraps external enrichment sources behind a uniform adapter
// that owns sufficiency checks, retries, circuit breaking and signal mapping.
package source

import (
	"context"
	"sort"
	"time"

	"github.com/sells-group/qualify-cli/internal/model"
)

// Source is one external enrichment collaborator.
type Source interface {
	// Name returns the source identifier used in config and provenance.
	Name() string
	// Fetch performs a single lookup. Implementations must honor ctx.
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// Request is one lookup against a source.
type Request struct {
	LeadID   string            `json:"lead_id"`
	Strategy string            `json:"strategy,omitempty"`
	Fields   map[string]string `json:"fields"`
	// Required lists the fields that must be non-empty for the call to be
	// attempted at all.
	Required []string `json:"-"`
}

// Missing returns the required fields absent from the request.
func (r Request) Missing() []string {
	var missing []string
	for _, k := range r.Required {
		if r.Fields[k] == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

// Response is a source's answer to a Request.
type Response struct {
	Fields map[string]any
	// Confidence is the source's 0..1 match confidence; nil means the source
	// does not report one.
	Confidence *float64
	DataAsOf   *time.Time
}

// FieldMap maps response field names to signal kinds.
type FieldMap map[string]model.SignalKind

// Kinds returns the mapped signal kinds in stable order.
func (m FieldMap) Kinds() []model.SignalKind {
	kinds := make([]model.SignalKind, 0, len(m))
	for _, k := range m {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (m FieldMap) sortedFields() []string {
	fields := make([]string, 0, len(m))
	for f := range m {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
