package feed

// MaxPageSize is the upstream hard limit for `first`.
const MaxPageSize = 250

// PageRequest asks for one page of orders. Query is the upstream search
// predicate, e.g. updated_at:>='2024-01-01T00:00:00Z'.
type PageRequest struct {
	After string
	Query string
	First int
}

// Page is one page of raw orders plus the continuation cursor.
type Page struct {
	Orders     []RawOrder
	NextCursor string
	HasMore    bool
}

// MoneyBag mirrors the upstream money set; only the shop currency is used.
type MoneyBag struct {
	ShopMoney *MoneyV2 `json:"shopMoney"`
}

type MoneyV2 struct {
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
}

type ChannelDefinition struct {
	Handle      string `json:"handle"`
	ChannelName string `json:"channelName"`
}

type ChannelInformation struct {
	ChannelDefinition *ChannelDefinition `json:"channelDefinition"`
}

// RawOrder is an order node as returned by the feed.
type RawOrder struct {
	ID                     string              `json:"id"`
	Name                   string              `json:"name"`
	CreatedAt              string              `json:"createdAt"`
	ProcessedAt            string              `json:"processedAt"`
	UpdatedAt              string              `json:"updatedAt"`
	DisplayFinancialStatus string              `json:"displayFinancialStatus"`
	SourceName             string              `json:"sourceName"`
	Test                   bool                `json:"test"`
	ChannelInformation     *ChannelInformation `json:"channelInformation"`
	SubtotalPriceSet       *MoneyBag           `json:"subtotalPriceSet"`
	TotalPriceSet          *MoneyBag           `json:"totalPriceSet"`
	TotalTaxSet            *MoneyBag           `json:"totalTaxSet"`
	TotalDiscountsSet      *MoneyBag           `json:"totalDiscountsSet"`
	TotalShippingPriceSet  *MoneyBag           `json:"totalShippingPriceSet"`
	Transactions           []RawTransaction    `json:"transactions"`
}

// RawTransaction is a transaction embedded in a RawOrder.
type RawTransaction struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Gateway     string    `json:"gateway"`
	Test        bool      `json:"test"`
	CreatedAt   string    `json:"createdAt"`
	ProcessedAt string    `json:"processedAt"`
	AmountSet   *MoneyBag `json:"amountSet"`
}
