package adapters

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"harvester/internal/auction"
)

// Mock is a deterministic offline adapter. The same site name and page always
// yield the same lots, so pipeline runs are reproducible without network
// access. It doubles as the test double for the scheduler and extractor.
type Mock struct {
	siteName string
	baseURL  string
	pages    int

	// FailURLs maps lot URLs to the error FetchLot should return. Tests use
	// it to exercise the retry policy.
	FailURLs map[string]error
	// Delay is applied before every call when set.
	Delay time.Duration
}

const mockLotsPerPage = 10

func NewMock(siteName, baseURL string, pages int) *Mock {
	if pages <= 0 {
		pages = 3
	}
	if baseURL == "" {
		baseURL = "https://mock.invalid"
	}
	return &Mock{
		siteName: siteName,
		baseURL:  strings.TrimRight(baseURL, "/"),
		pages:    pages,
		FailURLs: make(map[string]error),
	}
}

func (m *Mock) SearchLots(ctx context.Context, params SearchParams) ([]auction.Lot, FetchMeta, error) {
	start := time.Now()
	if err := m.wait(ctx); err != nil {
		return nil, FetchMeta{Latency: time.Since(start)}, Transient(0, err)
	}

	page := params.Page
	if page <= 0 {
		page = 1
	}
	if page > m.pages {
		return nil, FetchMeta{StatusCode: 200, Latency: time.Since(start)}, nil
	}

	makes := []string{"Toyota", "Honda", "Nissan", "Mazda", "Subaru"}
	models := []string{"Corolla", "Civic", "Skyline", "RX-7", "Impreza"}
	lots := make([]auction.Lot, 0, mockLotsPerPage)
	for i := 0; i < mockLotsPerPage; i++ {
		n := (page-1)*mockLotsPerPage + i + 1
		seed := m.seed(page, i)
		lotNumber := fmt.Sprintf("%s-%04d", strings.ToUpper(m.siteName), n)
		lots = append(lots, auction.Lot{
			SiteName:   m.siteName,
			LotNumber:  lotNumber,
			Make:       makes[seed%uint64(len(makes))],
			Model:      models[(seed/7)%uint64(len(models))],
			Year:       2005 + int(seed%18),
			Mileage:    int(seed%200000) + 1000,
			StartPrice: int(seed%900000) + 50000,
			Grade:      fmt.Sprintf("%d", seed%5+1),
			Result:     "sold",
			LotLink:    fmt.Sprintf("%s/lots/%s", m.baseURL, lotNumber),
			SearchDate: params.SearchDate,
		})
	}
	return lots, FetchMeta{StatusCode: 200, Latency: time.Since(start)}, nil
}

func (m *Mock) FetchLot(ctx context.Context, lotURL string) (auction.LotDetail, FetchMeta, error) {
	start := time.Now()
	if err := m.wait(ctx); err != nil {
		return auction.LotDetail{}, FetchMeta{Latency: time.Since(start)}, Transient(0, err)
	}
	if strings.TrimSpace(lotURL) == "" {
		return auction.LotDetail{}, FetchMeta{Latency: time.Since(start)}, Validation(errors.New("lot URL is required"))
	}
	if err, ok := m.FailURLs[lotURL]; ok {
		return auction.LotDetail{}, FetchMeta{Latency: time.Since(start)}, err
	}

	lotNumber := lotURL[strings.LastIndex(lotURL, "/")+1:]
	h := fnv.New64a()
	h.Write([]byte(lotURL))
	seed := h.Sum64()

	d := auction.LotDetail{
		SiteName:      m.siteName,
		LotNumber:     lotNumber,
		URL:           lotURL,
		StartPrice:    int(seed%900000) + 50000,
		FinalPrice:    int(seed%900000) + 100000,
		AuctionDate:   "2026-08-15",
		Transmission:  []string{"AT", "MT", "CVT"}[seed%3],
		EngineSize:    fmt.Sprintf("%d", 1000+int(seed%2500)),
		ChassisNumber: fmt.Sprintf("CH%d", seed%1000000),
		InteriorScore: fmt.Sprintf("%d", seed%5+1),
		ExteriorScore: fmt.Sprintf("%d", (seed/3)%5+1),
		TotalImages:   int(seed % 12),
	}
	for i := 0; i < d.TotalImages; i++ {
		d.ImageURLs = append(d.ImageURLs, fmt.Sprintf("%s/images/%s/%d.jpg", m.baseURL, lotNumber, i))
	}
	return d, FetchMeta{StatusCode: 200, Latency: time.Since(start)}, nil
}

func (m *Mock) seed(page, i int) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%d/%d", m.siteName, page, i)
	return h.Sum64()
}

func (m *Mock) wait(ctx context.Context) error {
	if m.Delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(m.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
