package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"harvester/internal/auction"
	"harvester/internal/config"

	"github.com/PuerkitoBio/goquery"
	"github.com/playwright-community/playwright-go"
)

// Rendered drives a headless browser for auction sites that build their
// listing tables with javascript. Parsing reuses the HTML adapter's
// selectors; only page fetching differs.
type Rendered struct {
	site config.Site
	html *HTML
}

func NewRendered(site config.Site) (*Rendered, error) {
	inner, err := NewHTML(site)
	if err != nil {
		return nil, err
	}
	return &Rendered{site: site, html: inner}, nil
}

func (a *Rendered) SearchLots(ctx context.Context, params SearchParams) ([]auction.Lot, FetchMeta, error) {
	start := time.Now()
	page := params.Page
	if page <= 0 {
		page = 1
	}
	searchURL := fmt.Sprintf("%s/auctions/?page=%d", a.html.baseURL, page)

	content, status, err := a.render(ctx, searchURL)
	meta := FetchMeta{StatusCode: status, Latency: time.Since(start)}
	if err != nil {
		return nil, meta, classify(status, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, meta, Validation(fmt.Errorf("search page parse: %w", err))
	}

	var lots []auction.Lot
	doc.Find("tr.lot-row, div.lot-card").Each(func(_ int, s *goquery.Selection) {
		text := func(sel string) string {
			return strings.TrimSpace(s.Find(sel).First().Text())
		}
		lot := auction.Lot{
			SiteName:   a.site.Name,
			LotNumber:  text(".lot-number"),
			Make:       text(".make"),
			Model:      text(".model"),
			Year:       auction.ParseYear(text(".year")),
			Mileage:    auction.ParseMileage(text(".mileage")),
			StartPrice: auction.ParsePrice(text(".start-price")),
			EndPrice:   auction.ParsePrice(text(".end-price")),
			Grade:      text(".grade"),
			Color:      text(".color"),
			Result:     text(".result"),
			Scores:     text(".scores"),
			Auction:    text(".auction"),
			SearchDate: params.SearchDate,
		}
		if href, ok := s.Find("a[href]").First().Attr("href"); ok {
			lot.LotLink = absURL(searchURL, href)
		}
		if lot.LotNumber != "" {
			lots = append(lots, lot)
		}
	})
	return lots, meta, nil
}

func (a *Rendered) FetchLot(ctx context.Context, lotURL string) (auction.LotDetail, FetchMeta, error) {
	start := time.Now()
	if strings.TrimSpace(lotURL) == "" {
		return auction.LotDetail{}, FetchMeta{Latency: time.Since(start)}, Validation(errors.New("lot URL is required"))
	}

	content, status, err := a.render(ctx, lotURL)
	meta := FetchMeta{StatusCode: status, Latency: time.Since(start)}
	if err != nil {
		return auction.LotDetail{}, meta, classify(status, err)
	}

	d, err := a.html.parseDetail(lotURL, []byte(content))
	if err != nil {
		return auction.LotDetail{}, meta, err
	}
	return d, meta, nil
}

// render loads a page in headless chromium and returns the settled DOM.
func (a *Rendered) render(ctx context.Context, pageURL string) (string, int, error) {
	pw, err := playwright.Run()
	if err != nil {
		return "", 0, fmt.Errorf("playwright run: %w", err)
	}
	defer pw.Stop()

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--no-sandbox",
			"--disable-dev-shm-usage",
			"--disable-blink-features=AutomationControlled",
		},
	})
	if err != nil {
		return "", 0, fmt.Errorf("launch: %w", err)
	}
	defer browser.Close()

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent: playwright.String("harvester/1.0"),
	})
	if err != nil {
		return "", 0, fmt.Errorf("browser context: %w", err)
	}
	defer bctx.Close()

	pg, err := bctx.NewPage()
	if err != nil {
		return "", 0, fmt.Errorf("new page: %w", err)
	}

	timeout := 30 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	resp, err := pg.Goto(pageURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return "", 0, err
	}
	status := 0
	if resp != nil {
		status = resp.Status()
	}
	if status < 200 || status >= 300 {
		return "", status, fmt.Errorf("http status %d", status)
	}

	content, err := pg.Content()
	if err != nil {
		return "", status, err
	}
	return content, status, nil
}
