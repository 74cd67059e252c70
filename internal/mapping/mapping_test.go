package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMultiline(t *testing.T) {
	m, err := Parse("Address:Address, City:City, region:State, Postal:Postal")
	require.NoError(t, err)

	assert.Equal(t, FieldMapping{
		{Field: "Address", Column: "Address"},
		{Field: "City", Column: "City"},
		{Field: "Region", Column: "State"},
		{Field: "Postal", Column: "Postal"},
	}, m)
	assert.Equal(t, "Address:Address, City:City, Region:State, Postal:Postal", m.String())
	assert.Equal(t, []string{"Address", "City", "State", "Postal"}, m.Columns())
}

func TestParseSingleLine(t *testing.T) {
	m, err := Parse("SingleLine:singleline, CountryCode:countrycode")
	require.NoError(t, err)
	assert.Len(t, m, 2)
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"empty":        "  ",
		"no colon":     "Address",
		"unknown":      "Street:Street",
		"empty column": "Address: ",
		"duplicate":    "City:City, city:Town",
		"mixed single": "SingleLine:full, City:City",
		"only commas":  ", ,",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw)
			assert.Error(t, err)
		})
	}
}

func TestMissingColumns(t *testing.T) {
	m, err := Parse("Address:Address, City:City, Region:State")
	require.NoError(t, err)

	assert.Empty(t, m.MissingColumns([]string{"ID", " address ", "CITY", "State"}))
	assert.Equal(t, []string{"State"}, m.MissingColumns([]string{"Address", "City"}))
}
