// Package auction holds the normalized payload types shared between site
// adapters and the storage layer.
package auction

import (
	"strconv"
	"strings"
	"time"
)

// Lot is a lightweight listing row as it appears on an auction search page.
type Lot struct {
	SiteName   string `json:"site_name"`
	LotNumber  string `json:"lot_number"`
	Make       string `json:"make"`
	Model      string `json:"model"`
	Year       int    `json:"year,omitempty"`
	Mileage    int    `json:"mileage,omitempty"`
	StartPrice int    `json:"start_price,omitempty"`
	EndPrice   int    `json:"end_price,omitempty"`
	Grade      string `json:"grade,omitempty"`
	Color      string `json:"color,omitempty"`
	Result     string `json:"result,omitempty"`
	Scores     string `json:"scores,omitempty"`
	Auction    string `json:"auction,omitempty"`
	URL        string `json:"url,omitempty"`
	LotLink    string `json:"lot_link,omitempty"`

	SearchDate time.Time `json:"search_date,omitempty"`
}

// LotDetail is the full record extracted from a lot's detail page.
type LotDetail struct {
	SiteName  string `json:"site_name"`
	LotNumber string `json:"lot_number"`
	URL       string `json:"url"`

	StartPrice  int    `json:"start_price,omitempty"`
	FinalPrice  int    `json:"final_price,omitempty"`
	AuctionDate string `json:"auction_date,omitempty"`
	AuctionTime string `json:"auction_time,omitempty"`

	EngineSize    string `json:"engine_size,omitempty"`
	Displacement  string `json:"displacement,omitempty"`
	Transmission  string `json:"transmission,omitempty"`
	TypeCode      string `json:"type_code,omitempty"`
	ChassisNumber string `json:"chassis_number,omitempty"`

	InteriorScore string `json:"interior_score,omitempty"`
	ExteriorScore string `json:"exterior_score,omitempty"`
	Equipment     string `json:"equipment,omitempty"`

	// ConditionNotes is the auction sheet's condition report converted to
	// markdown by the HTML adapter.
	ConditionNotes string `json:"condition_notes,omitempty"`

	ImageURLs       []string `json:"image_urls,omitempty"`
	TotalImages     int      `json:"total_images,omitempty"`
	AuctionSheetURL string   `json:"auction_sheet_url,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// Validate reports whether the detail payload carries the fields the storage
// layer requires. A payload failing this check is structurally invalid and
// retrying the fetch will not fix it.
func (d LotDetail) Validate() error {
	switch {
	case strings.TrimSpace(d.SiteName) == "":
		return &FieldError{Field: "site_name"}
	case strings.TrimSpace(d.LotNumber) == "":
		return &FieldError{Field: "lot_number"}
	case strings.TrimSpace(d.URL) == "":
		return &FieldError{Field: "url"}
	}
	return nil
}

// Validate reports whether a listing row carries its business key.
func (l Lot) Validate() error {
	switch {
	case strings.TrimSpace(l.SiteName) == "":
		return &FieldError{Field: "site_name"}
	case strings.TrimSpace(l.LotNumber) == "":
		return &FieldError{Field: "lot_number"}
	}
	return nil
}

// FieldError marks a payload missing a required field.
type FieldError struct {
	Field string
}

func (e *FieldError) Error() string { return "missing required field: " + e.Field }

// ParseYear converts a scraped year string to an int, tolerating whitespace.
func ParseYear(s string) int {
	y, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || y < 1900 || y > 2100 {
		return 0
	}
	return y
}

// ParseMileage converts strings like "85 000 km" to an int.
func ParseMileage(s string) int {
	cleaned := strings.ReplaceAll(s, " ", "")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.TrimSuffix(strings.ToLower(cleaned), "km")
	m, err := strconv.Atoi(strings.TrimSpace(cleaned))
	if err != nil || m < 0 {
		return 0
	}
	return m
}

// ParsePrice converts a price string to an int, stripping currency noise.
func ParsePrice(s string) int {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0
	}
	p, err := strconv.Atoi(b.String())
	if err != nil {
		return 0
	}
	return p
}
