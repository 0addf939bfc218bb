package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/richardliu001/order-sync-service/internal/config"
	"go.uber.org/zap"
)

// ErrFetch wraps every failure of a page fetch.
var ErrFetch = errors.New("feed fetch failed")

// Fetcher is the contract the sync service depends on.
type Fetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)
}

const ordersQuery = `query Orders($first: Int!, $after: String, $query: String) {
  orders(first: $first, after: $after, query: $query, sortKey: UPDATED_AT) {
    pageInfo { hasNextPage endCursor }
    edges {
      node {
        id
        name
        createdAt
        processedAt
        updatedAt
        displayFinancialStatus
        sourceName
        test
        channelInformation { channelDefinition { handle channelName } }
        subtotalPriceSet { shopMoney { amount currencyCode } }
        totalPriceSet { shopMoney { amount currencyCode } }
        totalTaxSet { shopMoney { amount currencyCode } }
        totalDiscountsSet { shopMoney { amount currencyCode } }
        totalShippingPriceSet { shopMoney { amount currencyCode } }
        transactions {
          id
          kind
          status
          gateway
          test
          createdAt
          processedAt
          amountSet { shopMoney { amount currencyCode } }
        }
      }
    }
  }
}`

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphQLError struct {
	Message    string                 `json:"message"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

type ordersResponse struct {
	Data *struct {
		Orders struct {
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
			Edges []struct {
				Node RawOrder `json:"node"`
			} `json:"edges"`
		} `json:"orders"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// Client talks to the upstream GraphQL endpoint. It never retries; retry
// policy belongs to whoever triggers the sync.
type Client struct {
	http     *resty.Client
	endpoint string
	log      *zap.SugaredLogger
}

// NewClient builds a Client from config.
func NewClient(cfg config.FeedConfig, log *zap.SugaredLogger) *Client {
	hc := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "order-sync-service")
	if cfg.AccessToken != "" {
		hc.SetHeader("X-Shopify-Access-Token", cfg.AccessToken)
	}
	return &Client{http: hc, endpoint: cfg.Endpoint, log: log}
}

// FetchPage fetches one page of orders after req.After.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	first := req.First
	if first <= 0 || first > MaxPageSize {
		first = MaxPageSize
	}
	vars := map[string]interface{}{"first": first}
	if req.After != "" {
		vars["after"] = req.After
	}
	if req.Query != "" {
		vars["query"] = req.Query
	}

	var out ordersResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(graphQLRequest{Query: ordersQuery, Variables: vars}).
		SetResult(&out).
		Post(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if res.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrFetch, res.StatusCode(), truncate(res.String(), 256))
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrFetch, out.Errors[0].Message)
	}
	if out.Data == nil {
		return nil, fmt.Errorf("%w: empty data", ErrFetch)
	}

	orders := out.Data.Orders
	page := &Page{
		Orders:     make([]RawOrder, 0, len(orders.Edges)),
		NextCursor: orders.PageInfo.EndCursor,
		HasMore:    orders.PageInfo.HasNextPage,
	}
	for _, e := range orders.Edges {
		page.Orders = append(page.Orders, e.Node)
	}
	c.log.Debugw("feed page fetched", "orders", len(page.Orders), "has_more", page.HasMore)
	return page, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
