package fleet

import (
	"context"
	"encoding/json"
	"fmt"
)

const pageTokenParam = "nextPageToken"

// Pager walks the pages of a list method in server order:
//
//	p := c.Pages("Machines.List", nil)
//	for p.Next(ctx) {
//		page := p.Page()
//		...
//	}
//	if err := p.Err(); err != nil { ... }
//
// A Pager cannot be restarted. The first page is fetched without a
// token; iteration ends after a page without a nextPageToken or on the
// first error.
type Pager struct {
	c      *Client
	method string
	params Params

	token string
	page  json.RawMessage
	done  bool
	err   error
}

// Pages returns a Pager for method. Any nextPageToken in params is
// ignored; resuming from a caller supplied token is not supported.
func (c *Client) Pages(method string, params Params) *Pager {
	p := params.clone()
	delete(p, pageTokenParam)
	return &Pager{c: c, method: method, params: p}
}

// Next fetches the next page. It returns false when there are no more
// pages or a request failed; check Err to tell them apart.
func (p *Pager) Next(ctx context.Context) bool {
	if p.done {
		return false
	}

	params := p.params
	if p.token != "" {
		params = p.params.clone()
		params[pageTokenParam] = p.token
	}

	raw, err := p.c.Call(ctx, p.method, params, nil)
	if err != nil {
		p.fail(err)
		return false
	}

	var cursor struct {
		NextPageToken string `json:"nextPageToken"`
	}
	if err := json.Unmarshal(raw, &cursor); err != nil {
		p.fail(fmt.Errorf("decode %s page: %w", p.method, err))
		return false
	}

	p.page = raw
	p.token = cursor.NextPageToken
	if p.token == "" {
		p.done = true
	}
	return true
}

func (p *Pager) fail(err error) {
	p.err = err
	p.page = nil
	p.done = true
}

// Page returns the page fetched by the last successful Next.
func (p *Pager) Page() json.RawMessage { return p.page }

// Err returns the error that stopped iteration, if any.
func (p *Pager) Err() error { return p.err }

// collect gathers field from every page of method, decoding each item with
// decode.
func collect[T any](ctx context.Context, c *Client, method string, params Params, field string, decode func(json.RawMessage) (T, error)) ([]T, error) {
	var out []T
	p := c.Pages(method, params)
	for p.Next(ctx) {
		var page map[string]json.RawMessage
		if err := json.Unmarshal(p.Page(), &page); err != nil {
			return nil, fmt.Errorf("decode %s page: %w", method, err)
		}
		var items []json.RawMessage
		if raw, ok := page[field]; ok {
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("decode %s %s: %w", method, field, err)
			}
		}
		for _, raw := range items {
			item, err := decode(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
	}
	if err := p.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
