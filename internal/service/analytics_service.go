package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/richardliu001/order-sync-service/internal/config"
	"github.com/richardliu001/order-sync-service/internal/model"
	"github.com/richardliu001/order-sync-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const dayLayout = "2006-01-02"

// ErrInvalidRange is returned for unparsable dates or to < from.
var ErrInvalidRange = errors.New("invalid report date range")

// ReportQuery selects whole calendar days, both ends inclusive, in the
// service's location. Channel matches source names case-insensitively.
type ReportQuery struct {
	From    string
	To      string
	Channel string
}

// Totals are the money sums shared by the channel and day reports.
type Totals struct {
	Orders    int             `json:"orders"`
	Gross     decimal.Decimal `json:"gross"`
	Refunds   decimal.Decimal `json:"refunds"`
	Net       decimal.Decimal `json:"net"`
	Discounts decimal.Decimal `json:"discounts"`
	Tax       decimal.Decimal `json:"tax"`
	Shipping  decimal.Decimal `json:"shipping"`
}

type ChannelSales struct {
	Channel string `json:"channel"`
	Totals
	AverageOrderValue decimal.Decimal `json:"averageOrderValue"`
	RefundRate        decimal.Decimal `json:"refundRate"`
}

type RevenueDay struct {
	Date string `json:"date"`
	Totals
}

// Bucket counts transactions and sums their absolute amounts.
type Bucket struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type StatusDay struct {
	Date     string            `json:"date"`
	ByStatus map[string]Bucket `json:"byStatus"`
	ByKind   map[string]Bucket `json:"byKind"`
}

// AnalyticsService folds the local replica into reports. Rows are streamed
// in keyset pages, so memory grows with the number of groups only.
type AnalyticsService struct {
	repo     repo.RepositoryInterface
	log      *zap.SugaredLogger
	pageSize int
	loc      *time.Location
	cacheTTL time.Duration
}

func NewAnalyticsService(r repo.RepositoryInterface, cfg config.ReportsConfig, logger *zap.SugaredLogger) (*AnalyticsService, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load report timezone: %w", err)
		}
		loc = l
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &AnalyticsService{repo: r, log: logger, pageSize: pageSize, loc: loc, cacheTTL: cfg.CacheTTL}, nil
}

// SalesByChannel sums sales, refunds and order-level amounts per channel,
// highest net first.
func (a *AnalyticsService) SalesByChannel(ctx context.Context, q ReportQuery) ([]ChannelSales, error) {
	f, _, err := a.filter(q)
	if err != nil {
		return nil, err
	}
	key := a.cacheKey(ctx, "sales-by-channel", q)
	var out []ChannelSales
	if a.cacheHit(ctx, key, &out) {
		return out, nil
	}

	groups := map[string]*Totals{}
	group := func(ch string) *Totals {
		t, ok := groups[ch]
		if !ok {
			t = newTotals()
			groups[ch] = t
		}
		return t
	}
	err = a.eachOrder(ctx, f, func(rows []model.TransactionRow) {
		var first *model.TransactionRow
		for i := range rows {
			row := &rows[i]
			sale, refund := classify(row)
			if !sale && !refund {
				continue
			}
			t := group(channelKey(row))
			if sale {
				t.Gross = t.Gross.Add(row.Amount)
				if first == nil {
					first = row
				}
			} else {
				t.Refunds = t.Refunds.Add(row.Amount.Abs())
			}
		}
		if first != nil {
			group(channelKey(first)).addOrder(first)
		}
	})
	if err != nil {
		return nil, err
	}

	out = make([]ChannelSales, 0, len(groups))
	for ch, t := range groups {
		t.Net = t.Gross.Sub(t.Refunds)
		cs := ChannelSales{Channel: ch, Totals: *t, AverageOrderValue: decimal.Zero, RefundRate: decimal.Zero}
		if t.Orders > 0 {
			cs.AverageOrderValue = t.Gross.Div(decimal.NewFromInt(int64(t.Orders))).Round(2)
		}
		if t.Gross.IsPositive() {
			cs.RefundRate = t.Refunds.Div(t.Gross).Round(4)
		}
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Net.Cmp(out[j].Net); c != 0 {
			return c > 0
		}
		return out[i].Channel < out[j].Channel
	})
	a.store(ctx, key, out)
	return out, nil
}

// RevenueBreakdown is the day series of Totals. An order's tax, discounts
// and shipping land on the day of its earliest sale in range.
func (a *AnalyticsService) RevenueBreakdown(ctx context.Context, q ReportQuery) ([]RevenueDay, error) {
	f, days, err := a.filter(q)
	if err != nil {
		return nil, err
	}
	key := a.cacheKey(ctx, "revenue", q)
	var out []RevenueDay
	if a.cacheHit(ctx, key, &out) {
		return out, nil
	}

	byDay := make(map[string]*Totals, len(days))
	for _, d := range days {
		byDay[d] = newTotals()
	}
	err = a.eachOrder(ctx, f, func(rows []model.TransactionRow) {
		var first *model.TransactionRow
		for i := range rows {
			row := &rows[i]
			sale, refund := classify(row)
			t := byDay[a.day(row.ProcessedAt)]
			if t == nil {
				continue
			}
			switch {
			case sale:
				t.Gross = t.Gross.Add(row.Amount)
				if first == nil || row.ProcessedAt.Before(first.ProcessedAt) {
					first = row
				}
			case refund:
				t.Refunds = t.Refunds.Add(row.Amount.Abs())
			}
		}
		if first != nil {
			byDay[a.day(first.ProcessedAt)].addOrder(first)
		}
	})
	if err != nil {
		return nil, err
	}

	out = make([]RevenueDay, 0, len(days))
	for _, d := range days {
		t := byDay[d]
		t.Net = t.Gross.Sub(t.Refunds)
		out = append(out, RevenueDay{Date: d, Totals: *t})
	}
	a.store(ctx, key, out)
	return out, nil
}

// StatusBreakdown counts every transaction per day by status and by kind.
func (a *AnalyticsService) StatusBreakdown(ctx context.Context, q ReportQuery) ([]StatusDay, error) {
	f, days, err := a.filter(q)
	if err != nil {
		return nil, err
	}
	key := a.cacheKey(ctx, "status", q)
	var out []StatusDay
	if a.cacheHit(ctx, key, &out) {
		return out, nil
	}

	byDay := make(map[string]*StatusDay, len(days))
	for _, d := range days {
		byDay[d] = &StatusDay{Date: d, ByStatus: map[string]Bucket{}, ByKind: map[string]Bucket{}}
	}
	err = a.repo.ScanTransactionRows(ctx, f, a.pageSize, func(page []model.TransactionRow) error {
		for _, row := range page {
			sd := byDay[a.day(row.ProcessedAt)]
			if sd == nil {
				continue
			}
			amt := row.Amount.Abs()
			sd.ByStatus[strings.ToLower(row.Status)] = sd.ByStatus[strings.ToLower(row.Status)].add(amt)
			sd.ByKind[strings.ToLower(row.Kind)] = sd.ByKind[strings.ToLower(row.Kind)].add(amt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out = make([]StatusDay, 0, len(days))
	for _, d := range days {
		out = append(out, *byDay[d])
	}
	a.store(ctx, key, out)
	return out, nil
}

// filter turns q into the half-open instant range [from, to+1d) and lists
// every day in it.
func (a *AnalyticsService) filter(q ReportQuery) (model.RowFilter, []string, error) {
	from, err := time.ParseInLocation(dayLayout, q.From, a.loc)
	if err != nil {
		return model.RowFilter{}, nil, fmt.Errorf("%w: from: %v", ErrInvalidRange, err)
	}
	to, err := time.ParseInLocation(dayLayout, q.To, a.loc)
	if err != nil {
		return model.RowFilter{}, nil, fmt.Errorf("%w: to: %v", ErrInvalidRange, err)
	}
	if to.Before(from) {
		return model.RowFilter{}, nil, fmt.Errorf("%w: to %s before from %s", ErrInvalidRange, q.To, q.From)
	}
	end := to.AddDate(0, 0, 1)

	var days []string
	for d := from; d.Before(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(dayLayout))
	}
	return model.RowFilter{Start: from, End: end, Channel: strings.TrimSpace(q.Channel)}, days, nil
}

// eachOrder regroups the (order_id, id) ordered scan into one call per
// order. fn must not retain rows.
func (a *AnalyticsService) eachOrder(ctx context.Context, f model.RowFilter, fn func(rows []model.TransactionRow)) error {
	var cur []model.TransactionRow
	err := a.repo.ScanTransactionRows(ctx, f, a.pageSize, func(page []model.TransactionRow) error {
		for _, row := range page {
			if len(cur) > 0 && cur[0].OrderID != row.OrderID {
				fn(cur)
				cur = cur[:0]
			}
			cur = append(cur, row)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(cur) > 0 {
		fn(cur)
	}
	return nil
}

func (a *AnalyticsService) day(t time.Time) string {
	return t.In(a.loc).Format(dayLayout)
}

// cacheKey is empty when caching is off or the generation is unreadable.
func (a *AnalyticsService) cacheKey(ctx context.Context, report string, q ReportQuery) string {
	gen, err := a.repo.ReportGeneration(ctx)
	if err != nil {
		if !errors.Is(err, repo.ErrCacheDisabled) {
			a.log.Warnw("read report generation", "error", err)
		}
		return ""
	}
	return fmt.Sprintf("reports:%d:%s:%s:%s:%s", gen, report, q.From, q.To, strings.ToLower(strings.TrimSpace(q.Channel)))
}

func (a *AnalyticsService) cacheHit(ctx context.Context, key string, dst interface{}) bool {
	if key == "" {
		return false
	}
	return a.repo.GetCachedReport(ctx, key, dst) == nil
}

func (a *AnalyticsService) store(ctx context.Context, key string, v interface{}) {
	if key == "" {
		return
	}
	if err := a.repo.CacheReport(ctx, key, v, a.cacheTTL); err != nil {
		a.log.Warnw("cache report", "key", key, "error", err)
	}
}

// classify: sale is kind sale|capture, refund is kind refund|change; both
// need status success.
func classify(row *model.TransactionRow) (sale, refund bool) {
	if !strings.EqualFold(row.Status, "success") {
		return false, false
	}
	switch strings.ToLower(row.Kind) {
	case "sale", "capture":
		return true, false
	case "refund", "change":
		return false, true
	}
	return false, false
}

func channelKey(row *model.TransactionRow) string {
	if row.SourceName == "" {
		return "unknown"
	}
	return strings.ToLower(row.SourceName)
}

func newTotals() *Totals {
	return &Totals{
		Gross: decimal.Zero, Refunds: decimal.Zero, Net: decimal.Zero,
		Discounts: decimal.Zero, Tax: decimal.Zero, Shipping: decimal.Zero,
	}
}

// addOrder counts one order and its order-level amounts.
func (t *Totals) addOrder(row *model.TransactionRow) {
	t.Orders++
	t.Discounts = t.Discounts.Add(row.Discounts)
	t.Tax = t.Tax.Add(row.Tax)
	t.Shipping = t.Shipping.Add(row.Shipping)
}

func (b Bucket) add(amt decimal.Decimal) Bucket {
	b.Count++
	b.Amount = b.Amount.Add(amt)
	return b
}
