package jlcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// componentPage mirrors the searchType=2 data payload.
type componentPage struct {
	ComponentPageInfo struct {
		List []json.RawMessage `json:"list"`
	} `json:"componentPageInfo"`
}

// Pager walks the component listing for one category, page by page.
// Calls share the client's rate limiter, so concurrent pagers stay within the
// upstream interval as a group.
type Pager struct {
	client      *Client
	category    Category
	inStockOnly bool
	logger      *slog.Logger
}

// NewPager creates a Pager for the given category. A collapsed category
// (empty Secondary) queries the whole primary category at once.
func NewPager(client *Client, category Category) *Pager {
	return &Pager{
		client:      client,
		category:    category,
		inStockOnly: true,
		logger:      client.logger.With("category", category.String()),
	}
}

// FetchAll streams every page of the category through fn until the upstream
// returns an empty page. Records that do not match the expected schema are
// skipped and logged rather than aborting the page. fn returning an error
// stops the walk.
func (p *Pager) FetchAll(ctx context.Context, fn func(page []Component) error) error {
	token, err := p.client.Token(ctx)
	if err != nil {
		return err
	}

	presale := []string{}
	if p.inStockOnly {
		presale = []string{"stock"}
	}
	request := map[string]any{
		"searchType":    2,
		"presaleTypes":  presale,
		"firstSortName": p.category.Primary,
		"pageSize":      p.client.config.PageSize,
	}
	if p.category.Secondary != "" {
		request["secondSortName"] = p.category.Secondary
	}

	for pageNum := 1; ; pageNum++ {
		request["currentPage"] = pageNum

		var page componentPage
		var empty bool
		err := p.client.withRetry(ctx, "page", func() error {
			if err := p.client.limiter.Wait(ctx); err != nil {
				return err
			}
			data, err := p.client.componentList(ctx, token, request)
			if err != nil {
				return err
			}
			if data == nil {
				empty = true
				return nil
			}
			empty = false
			page = componentPage{}
			if err := json.Unmarshal(data, &page); err != nil {
				return fmt.Errorf("decode page %d: %w", pageNum, err)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("fetch %s page %d: %w", p.category, pageNum, err)
		}
		if empty || len(page.ComponentPageInfo.List) == 0 {
			return nil
		}

		components := make([]Component, 0, len(page.ComponentPageInfo.List))
		for _, raw := range page.ComponentPageInfo.List {
			component, err := Normalize(raw)
			if err != nil {
				p.logger.WarnContext(ctx, "skipping malformed record",
					"page", pageNum, "error", err)
				continue
			}
			components = append(components, component)
		}

		p.logger.DebugContext(ctx, "fetched page",
			"page", pageNum,
			"records", len(components))

		if err := fn(components); err != nil {
			return err
		}
	}
}
