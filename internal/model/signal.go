package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// Confidence is the qualitative confidence attached to a signal.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceLow     Confidence = "low"
	ConfidenceUnknown Confidence = "unknown"
)

// ConfidenceFromScore buckets a 0..1 confidence score.
func ConfidenceFromScore(score float64) Confidence {
	switch {
	case score >= 0.8:
		return ConfidenceHigh
	case score >= 0.5:
		return ConfidenceMedium
	case score > 0:
		return ConfidenceLow
	default:
		return ConfidenceUnknown
	}
}

// Rank orders confidence levels; unknown is 0.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether c is at or above min.
func (c Confidence) AtLeast(min Confidence) bool {
	return c.Rank() >= min.Rank()
}

// SignalKind names one logical fact about a lead.
type SignalKind string

// Signal kinds produced by the built-in sources.
const (
	SignalLicenseStatus    SignalKind = "license_status"
	SignalLicenseNumber    SignalKind = "license_number"
	SignalLicenseExpiresAt SignalKind = "license_expires_at"
	SignalBBBRating        SignalKind = "bbb_rating"
	SignalBBBComplaints3yr SignalKind = "bbb_complaints_3yr"
	SignalBBBAccredited    SignalKind = "bbb_accredited"
	SignalPerformanceScore SignalKind = "performance_score"
	SignalMobileFriendly   SignalKind = "mobile_friendly"
	SignalVisualScore      SignalKind = "visual_score"
	SignalDesignEra        SignalKind = "design_era"
	SignalAddressVerified  SignalKind = "address_verified"
	SignalAddressType      SignalKind = "address_type"
	SignalOwnerName        SignalKind = "owner_name"
	SignalRating           SignalKind = "rating"
	SignalReviewCount      SignalKind = "review_count"
)

// SourceIntake is the source name for facts supplied with the lead itself.
const SourceIntake = "intake"

// Signal is a single typed fact with provenance.
type Signal struct {
	Kind       SignalKind `json:"kind"`
	Value      any        `json:"value"`
	Source     string     `json:"source"`
	Strategy   string     `json:"strategy,omitempty"`
	Confidence Confidence `json:"confidence"`
	Score      float64    `json:"score"`
	ObservedAt time.Time  `json:"observed_at"`
	DataAsOf   *time.Time `json:"data_as_of,omitempty"`
	RunID      string     `json:"run_id,omitempty"`
}

// Priority is the source ranking used for conflict resolution. Earlier
// entries win; sources not listed rank after every listed source.
type Priority []string

// Rank returns the position of source in the ranking (lower is stronger).
func (p Priority) Rank(source string) int {
	for i, s := range p {
		if s == source {
			return i
		}
	}
	return len(p)
}

// RecordStatus describes a signal's standing within a bag.
type RecordStatus string

const (
	RecordCurrent    RecordStatus = "current"
	RecordSuperseded RecordStatus = "superseded"
	RecordShadowed   RecordStatus = "shadowed"
)

// SignalRecord is a signal as held by a SignalBag.
type SignalRecord struct {
	Signal
	Seq    int          `json:"seq"`
	Status RecordStatus `json:"status"`
}

// SignalBag accumulates signals for one lead. Records are append-only: a
// signal is superseded by a later one of equal-or-higher source priority and
// otherwise kept as shadowed.
type SignalBag struct {
	records []SignalRecord
	current map[SignalKind]int
}

// Apply records sig and reports whether it became the current value for its kind.
func (b *SignalBag) Apply(sig Signal, priority Priority) bool {
	if b.current == nil {
		b.current = make(map[SignalKind]int)
	}
	rec := SignalRecord{Signal: sig, Seq: len(b.records)}

	idx, ok := b.current[sig.Kind]
	if ok && priority.Rank(sig.Source) > priority.Rank(b.records[idx].Source) {
		rec.Status = RecordShadowed
		b.records = append(b.records, rec)
		return false
	}
	if ok {
		b.records[idx].Status = RecordSuperseded
	}
	rec.Status = RecordCurrent
	b.records = append(b.records, rec)
	b.current[sig.Kind] = rec.Seq
	return true
}

// ApplyAll applies signals in source-priority order, weakest first, so the
// result does not depend on the order in which they arrived.
func (b *SignalBag) ApplyAll(sigs []Signal, priority Priority) {
	sorted := make([]Signal, len(sigs))
	copy(sorted, sigs)
	SortForMerge(sorted, priority)
	for _, s := range sorted {
		b.Apply(s, priority)
	}
}

// SortForMerge orders signals weakest-priority first with deterministic
// tie-breaks on source, kind and value.
func SortForMerge(sigs []Signal, priority Priority) {
	sort.SliceStable(sigs, func(i, j int) bool {
		ri, rj := priority.Rank(sigs[i].Source), priority.Rank(sigs[j].Source)
		if ri != rj {
			return ri > rj
		}
		if sigs[i].Source != sigs[j].Source {
			return sigs[i].Source < sigs[j].Source
		}
		if sigs[i].Kind != sigs[j].Kind {
			return sigs[i].Kind < sigs[j].Kind
		}
		return fmt.Sprint(sigs[i].Value) < fmt.Sprint(sigs[j].Value)
	})
}

// Get returns the current signal for kind.
func (b *SignalBag) Get(kind SignalKind) (Signal, bool) {
	idx, ok := b.current[kind]
	if !ok {
		return Signal{}, false
	}
	return b.records[idx].Signal, true
}

// Current returns the winning signal per kind, sorted by kind.
func (b *SignalBag) Current() []Signal {
	out := make([]Signal, 0, len(b.current))
	for _, idx := range b.current {
		out = append(out, b.records[idx].Signal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Records returns every signal ever applied, in application order.
func (b *SignalBag) Records() []SignalRecord {
	out := make([]SignalRecord, len(b.records))
	copy(out, b.records)
	return out
}

// Conflicts returns kinds whose shadowed records disagree with the current value.
func (b *SignalBag) Conflicts() []SignalKind {
	seen := make(map[SignalKind]bool)
	for _, r := range b.records {
		if r.Status != RecordShadowed || seen[r.Kind] {
			continue
		}
		cur, ok := b.Get(r.Kind)
		if ok && fmt.Sprint(cur.Value) != fmt.Sprint(r.Value) {
			seen[r.Kind] = true
		}
	}
	kinds := make([]SignalKind, 0, len(seen))
	for k := range seen {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Clone returns an independent copy of the bag.
func (b *SignalBag) Clone() SignalBag {
	c := SignalBag{
		records: make([]SignalRecord, len(b.records)),
		current: make(map[SignalKind]int, len(b.current)),
	}
	copy(c.records, b.records)
	for k, v := range b.current {
		c.current[k] = v
	}
	return c
}

// Len returns the number of records in the bag.
func (b *SignalBag) Len() int {
	return len(b.records)
}

// MarshalJSON encodes the bag as its record list.
func (b SignalBag) MarshalJSON() ([]byte, error) {
	recs := b.records
	if recs == nil {
		recs = []SignalRecord{}
	}
	return json.Marshal(recs)
}

// UnmarshalJSON restores a bag from its record list.
func (b *SignalBag) UnmarshalJSON(data []byte) error {
	var recs []SignalRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return err
	}
	return b.restore(recs)
}

// RestoreSignalBag rebuilds a bag from persisted records.
func RestoreSignalBag(recs []SignalRecord) (SignalBag, error) {
	var b SignalBag
	err := b.restore(recs)
	return b, err
}

func (b *SignalBag) restore(recs []SignalRecord) error {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	b.records = make([]SignalRecord, len(recs))
	b.current = make(map[SignalKind]int)
	for i, r := range recs {
		if r.Seq != i {
			return eris.Errorf("model: signal record sequence gap at %d", i)
		}
		b.records[i] = r
		if r.Status == RecordCurrent {
			b.current[r.Kind] = i
		}
	}
	return nil
}
