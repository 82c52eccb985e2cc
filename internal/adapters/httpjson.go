package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"harvester/internal/auction"
	"harvester/internal/config"
)

// HTTPJSON talks to auction sites that expose a JSON search/detail API.
//
// Expected endpoints:
//
//	GET {base}/api/lots?page=N        -> {"lots":[...]} or [...]
//	GET {base}/api/lots/detail?url=U  -> {"lot":{...}} or {...}
type HTTPJSON struct {
	site    config.Site
	baseURL string
	client  *http.Client
}

func NewHTTPJSON(site config.Site) (*HTTPJSON, error) {
	base := strings.TrimSpace(site.BaseURL)
	if base == "" {
		return nil, errors.New("base_url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid base_url: %w", err)
	}
	return &HTTPJSON{
		site:    site,
		baseURL: strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (a *HTTPJSON) SearchLots(ctx context.Context, params SearchParams) ([]auction.Lot, FetchMeta, error) {
	start := time.Now()
	u, err := url.Parse(a.baseURL + "/api/lots")
	if err != nil {
		return nil, FetchMeta{Latency: time.Since(start)}, Transient(0, err)
	}
	q := u.Query()
	if params.Page > 0 {
		q.Set("page", strconv.Itoa(params.Page))
	}
	if !params.SearchDate.IsZero() {
		q.Set("date", params.SearchDate.Format("2006-01-02"))
	}
	u.RawQuery = q.Encode()

	body, status, err := a.doGET(ctx, u.String())
	meta := FetchMeta{StatusCode: status, Latency: time.Since(start)}
	if err != nil {
		return nil, meta, classify(status, err)
	}

	// Accept both object-wrapped and bare-array payloads.
	var wrapped struct {
		Lots []auction.Lot `json:"lots"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Lots) > 0 {
		return a.normalizeLots(wrapped.Lots, params.SearchDate), meta, nil
	}
	var arr []auction.Lot
	if err := json.Unmarshal(body, &arr); err != nil {
		return nil, meta, Validation(fmt.Errorf("search payload parse: %w", err))
	}
	return a.normalizeLots(arr, params.SearchDate), meta, nil
}

func (a *HTTPJSON) FetchLot(ctx context.Context, lotURL string) (auction.LotDetail, FetchMeta, error) {
	start := time.Now()
	if strings.TrimSpace(lotURL) == "" {
		return auction.LotDetail{}, FetchMeta{Latency: time.Since(start)}, Validation(errors.New("lot URL is required"))
	}

	u := a.baseURL + "/api/lots/detail?url=" + url.QueryEscape(lotURL)
	body, status, err := a.doGET(ctx, u)
	meta := FetchMeta{StatusCode: status, Latency: time.Since(start)}
	if err != nil {
		return auction.LotDetail{}, meta, classify(status, err)
	}

	// Accept both object-wrapped and bare-object payloads.
	var wrapped struct {
		Lot auction.LotDetail `json:"lot"`
	}
	d := wrapped.Lot
	if err := json.Unmarshal(body, &wrapped); err != nil || wrapped.Lot.LotNumber == "" {
		if err := json.Unmarshal(body, &d); err != nil {
			return auction.LotDetail{}, meta, Validation(fmt.Errorf("detail payload parse: %w", err))
		}
	} else {
		d = wrapped.Lot
	}
	if d.SiteName == "" {
		d.SiteName = a.site.Name
	}
	if d.URL == "" {
		d.URL = lotURL
	}
	if err := d.Validate(); err != nil {
		return auction.LotDetail{}, meta, Validation(err)
	}
	return d, meta, nil
}

func (a *HTTPJSON) doGET(ctx context.Context, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "harvester/1.0")
	if a.site.Username() != "" {
		req.SetBasicAuth(a.site.Username(), a.site.Password())
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	status := resp.StatusCode
	b, _ := io.ReadAll(resp.Body)
	if status < 200 || status >= 300 {
		return nil, status, fmt.Errorf("http status %d", status)
	}
	return b, status, nil
}

func (a *HTTPJSON) normalizeLots(in []auction.Lot, searchDate time.Time) []auction.Lot {
	out := make([]auction.Lot, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, lot := range in {
		lot.LotNumber = strings.TrimSpace(lot.LotNumber)
		if lot.LotNumber == "" {
			continue
		}
		if _, ok := seen[lot.LotNumber]; ok {
			continue
		}
		seen[lot.LotNumber] = struct{}{}
		if lot.SiteName == "" {
			lot.SiteName = a.site.Name
		}
		if lot.SearchDate.IsZero() {
			lot.SearchDate = searchDate
		}
		lot.Make = strings.TrimSpace(lot.Make)
		lot.Model = strings.TrimSpace(lot.Model)
		lot.LotLink = strings.TrimSpace(lot.LotLink)
		out = append(out, lot)
	}
	return out
}
