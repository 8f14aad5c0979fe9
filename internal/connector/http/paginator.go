package http

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// OffsetPaginator walks an endpoint with offset/limit query parameters.
//
// The response is either a JSON array or an object holding the array under
// ResultsKey. Paging stops when a page is shorter than Limit, when the
// reported total (TotalKey) has been fetched, or when Limit is zero.
type OffsetPaginator struct {
	Path       string
	Limit      int
	Offset     int
	OffsetKey  string
	LimitKey   string
	TotalKey   string
	ResultsKey string

	fetched int
	done    bool
}

// NewOffsetPaginator creates a new offset-based paginator.
func NewOffsetPaginator(path string, limit int) *OffsetPaginator {
	return &OffsetPaginator{
		Path:      path,
		Limit:     limit,
		OffsetKey: "offset",
		LimitKey:  "limit",
		TotalKey:  "total",
	}
}

// Request returns the request for the current page, or nil when done.
func (p *OffsetPaginator) Request() *Request {
	if p.done {
		return nil
	}
	query := url.Values{}
	if p.Limit > 0 {
		query.Set(p.OffsetKey, strconv.Itoa(p.Offset))
		query.Set(p.LimitKey, strconv.Itoa(p.Limit))
	}
	return &Request{Path: p.Path, Query: query}
}

// Consume parses one page, returns its records and advances the offset.
func (p *OffsetPaginator) Consume(resp *Response) ([]map[string]any, error) {
	records, total, err := p.parse(resp.Body)
	if err != nil {
		return nil, err
	}
	p.fetched += len(records)
	p.Offset += len(records)

	switch {
	case p.Limit <= 0:
		p.done = true
	case len(records) < p.Limit:
		p.done = true
	case total >= 0 && p.fetched >= total:
		p.done = true
	}
	return records, nil
}

func (p *OffsetPaginator) parse(body []byte) ([]map[string]any, int, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, 0, fmt.Errorf("decode page: %w", err)
	}
	total := -1
	items, ok := raw.([]any)
	if !ok {
		obj, isObj := raw.(map[string]any)
		if !isObj {
			return nil, 0, fmt.Errorf("page is neither an array nor an object")
		}
		if v, ok := obj[p.TotalKey].(float64); ok {
			total = int(v)
		}
		key := p.ResultsKey
		if key == "" {
			key = "results"
		}
		items, ok = obj[key].([]any)
		if !ok {
			return nil, 0, fmt.Errorf("page has no %q array", key)
		}
	}

	records := make([]map[string]any, 0, len(items))
	for i, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			return nil, 0, fmt.Errorf("item %d is not an object", p.fetched+i)
		}
		records = append(records, rec)
	}
	return records, total, nil
}
