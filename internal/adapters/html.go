package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"harvester/internal/auction"
	"harvester/internal/config"

	html2markdown "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly"
)

// HTML scrapes auction sites that render server-side listing tables. Search
// pages are walked with colly; detail pages are parsed with goquery and the
// condition report is converted to markdown.
type HTML struct {
	site      config.Site
	baseURL   string
	client    *http.Client
	converter *html2markdown.Converter
}

func NewHTML(site config.Site) (*HTML, error) {
	base := strings.TrimSpace(site.BaseURL)
	if base == "" {
		return nil, errors.New("base_url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid base_url: %w", err)
	}
	return &HTML{
		site:      site,
		baseURL:   strings.TrimRight(base, "/"),
		client:    &http.Client{Timeout: 30 * time.Second},
		converter: html2markdown.NewConverter("", true, nil),
	}, nil
}

func (a *HTML) SearchLots(ctx context.Context, params SearchParams) ([]auction.Lot, FetchMeta, error) {
	start := time.Now()
	page := params.Page
	if page <= 0 {
		page = 1
	}

	var (
		lots    []auction.Lot
		status  int
		lastErr error
	)

	c := colly.NewCollector()
	c.SetRequestTimeout(a.client.Timeout)

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", "harvester/1.0")
		if a.site.Username() != "" {
			r.Headers.Set("Authorization", basicAuth(a.site.Username(), a.site.Password()))
		}
	})
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		lastErr = err
	})
	c.OnHTML("tr.lot-row, div.lot-card", func(e *colly.HTMLElement) {
		lot := auction.Lot{
			SiteName:   a.site.Name,
			LotNumber:  strings.TrimSpace(e.ChildText(".lot-number")),
			Make:       strings.TrimSpace(e.ChildText(".make")),
			Model:      strings.TrimSpace(e.ChildText(".model")),
			Year:       auction.ParseYear(e.ChildText(".year")),
			Mileage:    auction.ParseMileage(e.ChildText(".mileage")),
			StartPrice: auction.ParsePrice(e.ChildText(".start-price")),
			EndPrice:   auction.ParsePrice(e.ChildText(".end-price")),
			Grade:      strings.TrimSpace(e.ChildText(".grade")),
			Color:      strings.TrimSpace(e.ChildText(".color")),
			Result:     strings.TrimSpace(e.ChildText(".result")),
			Scores:     strings.TrimSpace(e.ChildText(".scores")),
			Auction:    strings.TrimSpace(e.ChildText(".auction")),
			SearchDate: params.SearchDate,
		}
		if href := e.ChildAttr("a[href]", "href"); href != "" {
			lot.LotLink = e.Request.AbsoluteURL(href)
		}
		if lot.LotNumber != "" {
			lots = append(lots, lot)
		}
	})

	searchURL := fmt.Sprintf("%s/auctions/?page=%d", a.baseURL, page)
	if err := c.Visit(searchURL); err != nil && lastErr == nil {
		lastErr = err
	}
	c.Wait()

	meta := FetchMeta{StatusCode: status, Latency: time.Since(start)}
	if lastErr != nil {
		return nil, meta, classify(status, lastErr)
	}
	if ctx.Err() != nil {
		return nil, meta, Transient(0, ctx.Err())
	}
	return lots, meta, nil
}

func (a *HTML) FetchLot(ctx context.Context, lotURL string) (auction.LotDetail, FetchMeta, error) {
	start := time.Now()
	if strings.TrimSpace(lotURL) == "" {
		return auction.LotDetail{}, FetchMeta{Latency: time.Since(start)}, Validation(errors.New("lot URL is required"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lotURL, nil)
	if err != nil {
		return auction.LotDetail{}, FetchMeta{Latency: time.Since(start)}, Transient(0, err)
	}
	req.Header.Set("User-Agent", "harvester/1.0")
	if a.site.Username() != "" {
		req.SetBasicAuth(a.site.Username(), a.site.Password())
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return auction.LotDetail{}, FetchMeta{Latency: time.Since(start)}, Transient(0, err)
	}
	defer resp.Body.Close()
	meta := FetchMeta{StatusCode: resp.StatusCode, Latency: time.Since(start)}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return auction.LotDetail{}, meta, classify(resp.StatusCode, fmt.Errorf("http status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return auction.LotDetail{}, meta, Transient(resp.StatusCode, err)
	}
	meta.Latency = time.Since(start)

	d, err := a.parseDetail(lotURL, body)
	if err != nil {
		return auction.LotDetail{}, meta, err
	}
	return d, meta, nil
}

// parseDetail extracts the detail record from a lot page.
func (a *HTML) parseDetail(lotURL string, body []byte) (auction.LotDetail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return auction.LotDetail{}, Validation(fmt.Errorf("detail page parse: %w", err))
	}

	field := func(sel string) string {
		return strings.TrimSpace(doc.Find(sel).First().Text())
	}

	d := auction.LotDetail{
		SiteName:      a.site.Name,
		LotNumber:     field(".lot-number"),
		URL:           lotURL,
		StartPrice:    auction.ParsePrice(field(".start-price")),
		FinalPrice:    auction.ParsePrice(field(".final-price")),
		AuctionDate:   field(".auction-date"),
		AuctionTime:   field(".auction-time"),
		EngineSize:    field(".engine-size"),
		Displacement:  field(".displacement"),
		Transmission:  field(".transmission"),
		TypeCode:      field(".type-code"),
		ChassisNumber: field(".chassis-number"),
		InteriorScore: field(".interior-score"),
		ExteriorScore: field(".exterior-score"),
		Equipment:     field(".equipment"),
	}

	doc.Find(".lot-images img[src]").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && src != "" {
			d.ImageURLs = append(d.ImageURLs, absURL(lotURL, src))
		}
	})
	d.TotalImages = len(d.ImageURLs)
	if sheet, ok := doc.Find("a.auction-sheet[href]").First().Attr("href"); ok {
		d.AuctionSheetURL = absURL(lotURL, sheet)
	}

	// Condition report: keep the structure, store as markdown.
	if report := doc.Find(".condition-report").First(); report.Length() > 0 {
		if html, err := report.Html(); err == nil {
			if md, err := a.converter.ConvertString(html); err == nil {
				d.ConditionNotes = strings.TrimSpace(md)
			}
		}
	}

	if err := d.Validate(); err != nil {
		return auction.LotDetail{}, Validation(err)
	}
	return d, nil
}

func absURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func basicAuth(user, pass string) string {
	req, _ := http.NewRequest(http.MethodGet, "http://x", nil)
	req.SetBasicAuth(user, pass)
	return req.Header.Get("Authorization")
}
