package auction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseYear(t *testing.T) {
	assert.Equal(t, 2018, ParseYear("2018"))
	assert.Equal(t, 2018, ParseYear(" 2018 "))
	assert.Zero(t, ParseYear("H30"))
	assert.Zero(t, ParseYear("1850"))
	assert.Zero(t, ParseYear(""))
}

func TestParseMileage(t *testing.T) {
	assert.Equal(t, 85000, ParseMileage("85 000 km"))
	assert.Equal(t, 85000, ParseMileage("85,000"))
	assert.Equal(t, 12345, ParseMileage("12345KM"))
	assert.Zero(t, ParseMileage("n/a"))
}

func TestParsePrice(t *testing.T) {
	assert.Equal(t, 450000, ParsePrice("¥450,000"))
	assert.Equal(t, 450000, ParsePrice("450000 JPY"))
	assert.Zero(t, ParsePrice("ask"))
}

func TestLotDetailValidate(t *testing.T) {
	d := LotDetail{SiteName: "usstoyo", LotNumber: "1001", URL: "https://x/lots/1001"}
	assert.NoError(t, d.Validate())

	d.URL = "   "
	err := d.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}
