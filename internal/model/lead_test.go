package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLead_NormalizeAndInputs(t *testing.T) {
	l := Lead{
		Name:    "  Acme Plumbing ",
		Website: "www.acmeplumbing.com",
		Street:  "12 Main St",
		City:    "Austin",
		State:   "tx",
		ZipCode: "78701",
	}
	l.Normalize()

	assert.Equal(t, "https://www.acmeplumbing.com", l.Website)
	assert.Equal(t, "acmeplumbing.com", l.Domain())
	assert.Equal(t, "12 Main St, Austin, TX 78701", l.Address())

	in := l.Inputs()
	assert.Equal(t, "Acme Plumbing", in[FieldBusinessName])
	assert.Equal(t, "TX", in[FieldState])
	_, hasPhone := in[FieldPhone]
	assert.False(t, hasPhone)
}

func TestLead_Validate(t *testing.T) {
	rating := 4.5
	ok := Lead{Name: "Acme", Website: "https://acme.com", State: "TX", Rating: &rating}
	require.NoError(t, ok.Validate())

	websiteOnly := Lead{Website: "https://acme.com"}
	require.NoError(t, websiteOnly.Validate())

	empty := Lead{}
	assert.Error(t, empty.Validate())

	bad := 7.0
	badRating := Lead{Name: "Acme", Rating: &bad}
	err := badRating.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rating")
}

func TestLead_AddressEmptyWithoutStreet(t *testing.T) {
	l := Lead{City: "Austin", State: "TX"}
	assert.Equal(t, "", l.Address())
	assert.Equal(t, "", l.Domain())
}
