package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

// LeadStatus represents where a lead is in its qualification run.
type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "new"
	LeadStatusEnriching LeadStatus = "enriching"
	LeadStatusScored    LeadStatus = "scored"
	LeadStatusDecided   LeadStatus = "decided"
	LeadStatusFailed    LeadStatus = "failed"
)

// Identity field keys shared by sources, strategies and the aggregator.
const (
	FieldBusinessName  = "business_name"
	FieldWebsite       = "website"
	FieldDomain        = "domain"
	FieldStreet        = "street"
	FieldCity          = "city"
	FieldState         = "state"
	FieldZipCode       = "zip_code"
	FieldAddress       = "address"
	FieldPhone         = "phone"
	FieldOwnerName     = "owner_name"
	FieldLicenseNumber = "license_number"
)

// Lead is a business submitted for qualification.
type Lead struct {
	ID            string   `json:"id"`
	Name          string   `json:"name" validate:"required_without=Website,max=256"`
	Website       string   `json:"website,omitempty" validate:"omitempty,url"`
	Street        string   `json:"street,omitempty"`
	City          string   `json:"city,omitempty"`
	State         string   `json:"state,omitempty" validate:"omitempty,len=2"`
	ZipCode       string   `json:"zip_code,omitempty"`
	Phone         string   `json:"phone,omitempty"`
	Rating        *float64 `json:"rating,omitempty" validate:"omitempty,gte=0,lte=5"`
	ReviewCount   *int     `json:"review_count,omitempty" validate:"omitempty,gte=0"`
	OwnerName     string   `json:"owner_name,omitempty"`
	LicenseNumber string   `json:"license_number,omitempty"`
	NotionPageID  string   `json:"notion_page_id,omitempty"`

	Status   LeadStatus `json:"status"`
	Signals  SignalBag  `json:"signals"`
	Decision *Decision  `json:"decision,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize trims identity fields and ensures the website carries a scheme.
func (l *Lead) Normalize() {
	l.Name = strings.TrimSpace(l.Name)
	l.Website = strings.TrimSpace(l.Website)
	if l.Website != "" && !strings.Contains(l.Website, "://") {
		l.Website = "https://" + l.Website
	}
	l.Street = strings.TrimSpace(l.Street)
	l.City = strings.TrimSpace(l.City)
	l.State = strings.ToUpper(strings.TrimSpace(l.State))
	l.ZipCode = strings.TrimSpace(l.ZipCode)
	l.Phone = strings.TrimSpace(l.Phone)
	l.OwnerName = strings.TrimSpace(l.OwnerName)
	l.LicenseNumber = strings.TrimSpace(l.LicenseNumber)
}

// Validate checks the intake record. Call Normalize first.
func (l *Lead) Validate() error {
	if err := validate.Struct(l); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return eris.Errorf("lead: invalid: %s", strings.Join(msgs, "; "))
		}
		return eris.Wrap(err, "lead: validate")
	}
	return nil
}

// Domain returns the website host without a leading "www.".
func (l *Lead) Domain() string {
	if l.Website == "" {
		return ""
	}
	u, err := url.Parse(l.Website)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Address returns a single-line postal address, or "" when no street is known.
func (l *Lead) Address() string {
	if l.Street == "" {
		return ""
	}
	parts := []string{l.Street}
	if l.City != "" {
		parts = append(parts, l.City)
	}
	stateZip := strings.TrimSpace(l.State + " " + l.ZipCode)
	if stateZip != "" {
		parts = append(parts, stateZip)
	}
	return strings.Join(parts, ", ")
}

// Inputs returns the non-empty identity fields keyed by the Field* constants.
func (l *Lead) Inputs() map[string]string {
	in := map[string]string{
		FieldBusinessName:  l.Name,
		FieldWebsite:       l.Website,
		FieldDomain:        l.Domain(),
		FieldStreet:        l.Street,
		FieldCity:          l.City,
		FieldState:         l.State,
		FieldZipCode:       l.ZipCode,
		FieldAddress:       l.Address(),
		FieldPhone:         l.Phone,
		FieldOwnerName:     l.OwnerName,
		FieldLicenseNumber: l.LicenseNumber,
	}
	for k, v := range in {
		if v == "" {
			delete(in, k)
		}
	}
	return in
}

// Run is one qualification run for a lead.
type Run struct {
	ID        string     `json:"id"`
	LeadID    string     `json:"lead_id"`
	Lead      Lead       `json:"lead"`
	Status    LeadStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
