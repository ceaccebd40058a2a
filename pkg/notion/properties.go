package notion

import (
	"strings"
	"time"

	"github.com/jomei/notionapi"
)

// Lead database property names.
const (
	PropName        = "Name"
	PropURL         = "URL"
	PropStreet      = "Street"
	PropCity        = "City"
	PropState       = "State"
	PropZip         = "Zip"
	PropPhone       = "Phone"
	PropRating      = "Rating"
	PropReviews     = "Reviews"
	PropOwner       = "Owner"
	PropLicense     = "License"
	PropStatus      = "Status"
	PropVerdict     = "Verdict"
	PropPainScore   = "Pain Score"
	PropRationale   = "Rationale"
	PropQualifiedAt = "Qualified At"
)

// Lead queue statuses.
const (
	StatusQueued       = "Queued"
	StatusQualified    = "Qualified"
	StatusDisqualified = "Disqualified"
	StatusReview       = "Needs Review"
	StatusFailed       = "Failed"
)

// Text returns the plain text of a title, rich text, URL, phone, email or
// select property, or "" when the property is absent.
func Text(page notionapi.Page, name string) string {
	prop, ok := page.Properties[name]
	if !ok {
		return ""
	}
	var b strings.Builder
	switch p := prop.(type) {
	case *notionapi.TitleProperty:
		for _, rt := range p.Title {
			b.WriteString(rt.PlainText)
		}
	case *notionapi.RichTextProperty:
		for _, rt := range p.RichText {
			b.WriteString(rt.PlainText)
		}
	case *notionapi.URLProperty:
		b.WriteString(p.URL)
	case *notionapi.PhoneNumberProperty:
		b.WriteString(p.PhoneNumber)
	case *notionapi.EmailProperty:
		b.WriteString(p.Email)
	case *notionapi.SelectProperty:
		b.WriteString(p.Select.Name)
	}
	return strings.TrimSpace(b.String())
}

// Number returns a number property's value and whether it was present.
func Number(page notionapi.Page, name string) (float64, bool) {
	prop, ok := page.Properties[name]
	if !ok {
		return 0, false
	}
	if p, ok := prop.(*notionapi.NumberProperty); ok {
		return p.Number, true
	}
	return 0, false
}

// Verdict is the write-back payload for one decided lead.
type Verdict struct {
	Status    string
	Verdict   string
	PainScore int
	Rationale string
	DecidedAt time.Time
}

// Properties renders v as a page update.
func (v Verdict) Properties() notionapi.Properties {
	at := notionapi.Date(v.DecidedAt)
	props := notionapi.Properties{
		PropStatus:    notionapi.StatusProperty{Status: notionapi.Status{Name: v.Status}},
		PropPainScore: notionapi.NumberProperty{Number: float64(v.PainScore)},
		PropQualifiedAt: notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &at},
		},
	}
	if v.Verdict != "" {
		props[PropVerdict] = notionapi.SelectProperty{Select: notionapi.Option{Name: v.Verdict}}
	}
	if v.Rationale != "" {
		props[PropRationale] = notionapi.RichTextProperty{
			RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: truncate(v.Rationale, 2000)}}},
		}
	}
	return props
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
