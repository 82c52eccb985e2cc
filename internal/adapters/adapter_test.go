package adapters

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"harvester/internal/auction"
	"harvester/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{429, KindThrottled},
		{503, KindThrottled},
		{401, KindAuth},
		{403, KindAuth},
		{500, KindTransient},
		{0, KindTransient},
	}
	for _, tc := range cases {
		got := classify(tc.status, errors.New("boom"))
		assert.Equal(t, tc.want, got.Kind, "status %d", tc.status)
		assert.Equal(t, tc.status, got.StatusCode)
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindThrottled, KindOf(Throttled(429, errors.New("slow down"))))
	assert.Equal(t, KindValidation, KindOf(&auction.FieldError{Field: "url"}))
	assert.Equal(t, KindTransient, KindOf(errors.New("connection reset")))

	// Wrapped SiteErrors still classify through errors.As.
	wrapped := &SiteError{Kind: KindAuth, Err: errors.New("denied")}
	assert.Equal(t, KindAuth, KindOf(wrapped))
}

func TestMockDeterministic(t *testing.T) {
	m1 := NewMock("usstoyo", "", 2)
	m2 := NewMock("usstoyo", "", 2)
	ctx := context.Background()

	a, _, err := m1.SearchLots(ctx, SearchParams{Page: 1})
	require.NoError(t, err)
	b, _, err := m2.SearchLots(ctx, SearchParams{Page: 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, mockLotsPerPage)

	// Pages past the end return no lots so discovery knows to stop.
	empty, _, err := m1.SearchLots(ctx, SearchParams{Page: 3})
	require.NoError(t, err)
	assert.Empty(t, empty)

	d1, _, err := m1.FetchLot(ctx, a[0].LotLink)
	require.NoError(t, err)
	d2, _, err := m2.FetchLot(ctx, a[0].LotLink)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Equal(t, a[0].LotNumber, d1.LotNumber)
	assert.Len(t, d1.ImageURLs, d1.TotalImages)
}

func TestMockFailURLs(t *testing.T) {
	m := NewMock("usstoyo", "", 1)
	m.FailURLs["https://mock.invalid/lots/USSTOYO-0001"] = Throttled(429, errors.New("rate limited"))

	_, _, err := m.FetchLot(context.Background(), "https://mock.invalid/lots/USSTOYO-0001")
	require.Error(t, err)
	assert.Equal(t, KindThrottled, KindOf(err))
}

func TestHTTPJSONSearchLots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/lots", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"lots":[
			{"lot_number":"1001","make":"Toyota","model":"Corolla","year":2018,"lot_link":"/lots/1001"},
			{"lot_number":"1001","make":"Toyota","model":"Corolla"},
			{"lot_number":"","make":"Broken"}
		]}`))
	}))
	defer srv.Close()

	a, err := NewHTTPJSON(config.Site{Name: "usstoyo", BaseURL: srv.URL, Adapter: "httpjson"})
	require.NoError(t, err)

	lots, meta, err := a.SearchLots(context.Background(), SearchParams{Page: 2, SearchDate: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 200, meta.StatusCode)

	// Duplicate and keyless rows are dropped.
	require.Len(t, lots, 1)
	assert.Equal(t, "usstoyo", lots[0].SiteName)
	assert.Equal(t, "1001", lots[0].LotNumber)
	assert.False(t, lots[0].SearchDate.IsZero())
}

func TestHTTPJSONFetchLotErrors(t *testing.T) {
	status := 429
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	a, err := NewHTTPJSON(config.Site{Name: "usstoyo", BaseURL: srv.URL})
	require.NoError(t, err)

	_, meta, err := a.FetchLot(context.Background(), "https://example.com/lots/1")
	require.Error(t, err)
	assert.Equal(t, 429, meta.StatusCode)
	assert.Equal(t, KindThrottled, KindOf(err))

	status = 403
	_, _, err = a.FetchLot(context.Background(), "https://example.com/lots/1")
	require.Error(t, err)
	assert.Equal(t, KindAuth, KindOf(err))

	_, _, err = a.FetchLot(context.Background(), "  ")
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

const detailPage = `<!doctype html><html><body>
<span class="lot-number">2042</span>
<span class="start-price">¥450,000</span>
<span class="final-price">¥612,000</span>
<span class="auction-date">2026-08-20</span>
<span class="transmission">AT</span>
<span class="chassis-number">ZVW30-1234567</span>
<span class="interior-score">4</span>
<span class="exterior-score">3.5</span>
<div class="lot-images">
  <img src="/img/1.jpg"><img src="/img/2.jpg">
</div>
<a class="auction-sheet" href="/sheets/2042.pdf">sheet</a>
<div class="condition-report"><h2>Condition</h2><ul><li>Small dent, rear door</li></ul></div>
</body></html>`

func TestHTMLParseDetail(t *testing.T) {
	a, err := NewHTML(config.Site{Name: "usstoyo", BaseURL: "https://example.com"})
	require.NoError(t, err)

	d, err := a.parseDetail("https://example.com/lots/2042", []byte(detailPage))
	require.NoError(t, err)

	assert.Equal(t, "2042", d.LotNumber)
	assert.Equal(t, 450000, d.StartPrice)
	assert.Equal(t, 612000, d.FinalPrice)
	assert.Equal(t, "AT", d.Transmission)
	assert.Equal(t, "ZVW30-1234567", d.ChassisNumber)
	assert.Equal(t, []string{"https://example.com/img/1.jpg", "https://example.com/img/2.jpg"}, d.ImageURLs)
	assert.Equal(t, 2, d.TotalImages)
	assert.Equal(t, "https://example.com/sheets/2042.pdf", d.AuctionSheetURL)
	assert.Contains(t, d.ConditionNotes, "Condition")
	assert.Contains(t, d.ConditionNotes, "Small dent, rear door")
}

func TestHTMLParseDetailMissingKey(t *testing.T) {
	a, err := NewHTML(config.Site{Name: "usstoyo", BaseURL: "https://example.com"})
	require.NoError(t, err)

	_, err = a.parseDetail("https://example.com/lots/x", []byte(`<html><body></body></html>`))
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestNewFactory(t *testing.T) {
	for _, name := range []string{"httpjson", "html", "rendered", "mock"} {
		a, err := New(config.Site{Name: "s", BaseURL: "https://example.com", Adapter: name})
		require.NoError(t, err, name)
		require.NotNil(t, a, name)
	}
	_, err := New(config.Site{Name: "s", BaseURL: "https://example.com", Adapter: "carrier-pigeon"})
	require.Error(t, err)
}
