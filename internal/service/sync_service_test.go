package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/order-sync-service/internal/config"
	"github.com/richardliu001/order-sync-service/internal/feed"
	"github.com/richardliu001/order-sync-service/internal/logger"
	"github.com/richardliu001/order-sync-service/internal/model"
	"github.com/richardliu001/order-sync-service/internal/repo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// scriptedFeed serves pages keyed by the `after` cursor.
type scriptedFeed struct {
	pages map[string]*feed.Page
	errAt map[string]error
	panic bool
	calls []feed.PageRequest
}

func (f *scriptedFeed) FetchPage(_ context.Context, req feed.PageRequest) (*feed.Page, error) {
	f.calls = append(f.calls, req)
	if f.panic {
		panic("boom")
	}
	if err, ok := f.errAt[req.After]; ok {
		return nil, err
	}
	if p, ok := f.pages[req.After]; ok {
		return p, nil
	}
	return &feed.Page{}, nil
}

func (f *scriptedFeed) afters() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.After)
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestRepo(t *testing.T) *repo.Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Order{}, &model.Transaction{}, &model.SyncState{}, &model.OutboxEvent{}))
	return repo.NewRepository(db, nil, nil, logger.NewNop())
}

func newTestSync(t *testing.T, r repo.RepositoryInterface, f feed.Fetcher, clk *clock) (*SyncService, *int) {
	t.Helper()
	svc := NewSyncService(r, f, config.SyncConfig{}, logger.NewNop())
	svc.now = clk.now
	sleeps := 0
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		return ctx.Err()
	}
	return svc, &sleeps
}

var testOrderIDs = map[int]bool{5: true, 50: true, 100: true, 200: true, 255: true}

// rawOrders builds orders from..to inclusive; order i carries i%4 transactions.
func rawOrders(from, to int) []feed.RawOrder {
	out := make([]feed.RawOrder, 0, to-from+1)
	for i := from; i <= to; i++ {
		o := feed.RawOrder{
			ID:                     fmt.Sprintf("gid://shopify/Order/%d", i),
			Name:                   fmt.Sprintf("#%d", 1000+i),
			CreatedAt:              "2024-05-01T10:00:00Z",
			UpdatedAt:              "2024-05-02T10:00:00Z",
			DisplayFinancialStatus: "PAID",
			SourceName:             "web",
			Test:                   testOrderIDs[i],
			TotalPriceSet:          &feed.MoneyBag{ShopMoney: &feed.MoneyV2{Amount: "30.00", CurrencyCode: "USD"}},
		}
		for j := 0; j < i%4; j++ {
			o.Transactions = append(o.Transactions, feed.RawTransaction{
				ID:        fmt.Sprintf("gid://shopify/OrderTransaction/%d-%d", i, j),
				Kind:      "SALE",
				Status:    "SUCCESS",
				CreatedAt: "2024-05-01T10:01:00Z",
				AmountSet: &feed.MoneyBag{ShopMoney: &feed.MoneyV2{Amount: "10.00", CurrencyCode: "USD"}},
			})
		}
		out = append(out, o)
	}
	return out
}

func expectedTxns(from, to int) int {
	n := 0
	for i := from; i <= to; i++ {
		if !testOrderIDs[i] {
			n += i % 4
		}
	}
	return n
}

func twoPageFeed() *scriptedFeed {
	return &scriptedFeed{pages: map[string]*feed.Page{
		"":   {Orders: rawOrders(1, 250), NextCursor: "c1", HasMore: true},
		"c1": {Orders: rawOrders(251, 260), NextCursor: "c2", HasMore: false},
	}}
}

func countRows(t *testing.T, r *repo.Repository) (orders, txns int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.DB(ctx).Model(&model.Order{}).Count(&orders).Error)
	require.NoError(t, r.DB(ctx).Model(&model.Transaction{}).Count(&txns).Error)
	return orders, txns
}

func TestSync_InitialTwoPages(t *testing.T) {
	r := newTestRepo(t)
	f := twoPageFeed()
	clk := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 500_000_000, time.UTC)}
	svc, sleeps := newTestSync(t, r, f, clk)
	ctx := context.Background()

	res := svc.Run(ctx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, model.SyncModeInitial, res.Mode)
	assert.False(t, res.Resumed)
	assert.Equal(t, 255, res.OrdersProcessed)
	assert.Equal(t, 5, res.TestOrdersSkipped)
	assert.Equal(t, expectedTxns(1, 260), res.TransactionsProcessed)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 1, *sleeps, "delay only between pages")

	require.Len(t, f.calls, 2)
	assert.Equal(t, []string{"", "c1"}, f.afters())
	assert.Equal(t, "created_at:>='2023-06-02T12:00:00Z'", f.calls[0].Query)
	assert.Equal(t, f.calls[0].Query, f.calls[1].Query)
	assert.Equal(t, feed.MaxPageSize, f.calls[0].First)

	st, err := svc.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusCompleted, st.SyncStatus)
	require.True(t, st.HasCursor())
	assert.Equal(t, "c2", *st.LastCursor, "cursor is retained after completion")
	assert.Nil(t, st.ErrorMessage)
	require.NotNil(t, st.LastSuccessAt)
	assert.True(t, clk.t.Equal(*st.LastSuccessAt))

	orders, txns := countRows(t, r)
	assert.Equal(t, int64(255), orders)
	assert.Equal(t, int64(expectedTxns(1, 260)), txns)

	evts, err := r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, model.EventSyncCompleted, evts[0].EventType)
}

func TestSync_TestRecordsNeverPersisted(t *testing.T) {
	r := newTestRepo(t)
	svc, _ := newTestSync(t, r, twoPageFeed(), &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)})
	ctx := context.Background()
	require.True(t, svc.Run(ctx).Success)

	for id := range testOrderIDs {
		ext := fmt.Sprintf("gid://shopify/Order/%d", id)
		var n int64
		require.NoError(t, r.DB(ctx).Model(&model.Order{}).Where("external_id = ?", ext).Count(&n).Error)
		assert.Zero(t, n, ext)
		require.NoError(t, r.DB(ctx).Model(&model.Transaction{}).
			Where("external_id LIKE ?", fmt.Sprintf("gid://shopify/OrderTransaction/%d-%%", id)).Count(&n).Error)
		assert.Zero(t, n, ext)
	}
}

func TestSync_TransactionsReferenceStoredOrders(t *testing.T) {
	r := newTestRepo(t)
	svc, _ := newTestSync(t, r, twoPageFeed(), &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)})
	ctx := context.Background()
	require.True(t, svc.Run(ctx).Success)

	var orphans int64
	require.NoError(t, r.DB(ctx).Model(&model.Transaction{}).
		Where("order_id NOT IN (?)", r.DB(ctx).Model(&model.Order{}).Select("id")).
		Count(&orphans).Error)
	assert.Zero(t, orphans)
}

func TestSync_IncrementalAfterSuccess(t *testing.T) {
	r := newTestRepo(t)
	clk := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 250_000_000, time.UTC)}
	svc, _ := newTestSync(t, r, twoPageFeed(), clk)
	ctx := context.Background()
	require.True(t, svc.Run(ctx).Success)

	clk.t = clk.t.Add(time.Hour)
	next := &scriptedFeed{}
	svc.feed = next
	res := svc.Run(ctx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, model.SyncModeIncremental, res.Mode)
	assert.Zero(t, res.OrdersProcessed)

	require.Len(t, next.calls, 1)
	assert.Equal(t, "", next.calls[0].After, "fresh run starts from the beginning")
	assert.Equal(t, "updated_at:>='2024-06-01T12:00:00Z'", next.calls[0].Query)
}

func TestSync_ReplayIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	clk := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc, _ := newTestSync(t, r, twoPageFeed(), clk)
	ctx := context.Background()
	require.True(t, svc.Run(ctx).Success)
	orders1, txns1 := countRows(t, r)

	// the incremental feed re-delivers page 1 with a changed status
	replay := rawOrders(1, 250)
	for i := range replay {
		replay[i].DisplayFinancialStatus = "REFUNDED"
	}
	svc.feed = &scriptedFeed{pages: map[string]*feed.Page{"": {Orders: replay, NextCursor: "r1"}}}
	clk.t = clk.t.Add(time.Hour)
	require.True(t, svc.Run(ctx).Success)

	orders2, txns2 := countRows(t, r)
	assert.Equal(t, orders1, orders2)
	assert.Equal(t, txns1, txns2)

	var o model.Order
	require.NoError(t, r.DB(ctx).Where("external_id = ?", "gid://shopify/Order/1").First(&o).Error)
	assert.Equal(t, "refunded", o.FinancialStatus)
}

func TestSync_FailureThenResumeFromCursor(t *testing.T) {
	r := newTestRepo(t)
	f := twoPageFeed()
	f.errAt = map[string]error{"c1": feed.ErrFetch}
	clk := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc, _ := newTestSync(t, r, f, clk)
	ctx := context.Background()

	res := svc.Run(ctx)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, feed.ErrFetch)
	assert.Equal(t, 246, res.OrdersProcessed, "partial counts survive the failure")

	st, err := svc.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusFailed, st.SyncStatus)
	require.NotNil(t, st.ErrorMessage)
	assert.Contains(t, *st.ErrorMessage, "feed fetch failed")
	assert.Equal(t, "c1", *st.LastCursor)
	assert.Nil(t, st.LastSuccessAt)
	firstQuery := *st.SyncQuery

	// a day later the query would differ; the resume keeps the first one
	clk.t = clk.t.Add(24 * time.Hour)
	f.errAt = nil
	f.calls = nil
	res = svc.Run(ctx)
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Resumed)
	assert.Equal(t, model.SyncModeInitial, res.Mode)
	assert.Equal(t, []string{"c1"}, f.afters(), "no page before the saved cursor is fetched again")
	assert.Equal(t, firstQuery, f.calls[0].Query)
	assert.Equal(t, 9, res.OrdersProcessed)

	orders, _ := countRows(t, r)
	assert.Equal(t, int64(255), orders)

	evts, err := r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, model.EventSyncFailed, evts[0].EventType)
	assert.Equal(t, model.EventSyncCompleted, evts[1].EventType)
}

func TestSync_CrashThenResume(t *testing.T) {
	r := newTestRepo(t)
	f := twoPageFeed()
	f.errAt = map[string]error{"c1": errors.New("connection reset")}
	clk := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc, _ := newTestSync(t, r, f, clk)
	ctx := context.Background()

	require.False(t, svc.Run(ctx).Success)
	// a crash leaves the row running with the page-1 checkpoint
	require.NoError(t, r.DB(ctx).Model(&model.SyncState{}).Where("entity_type = ?", EntityOrders).
		Updates(map[string]interface{}{"sync_status": model.SyncStatusRunning, "error_message": nil}).Error)

	f.errAt = nil
	f.calls = nil

	// heartbeat still fresh: looks like a live run
	res := svc.Run(ctx)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrSyncInProgress)
	assert.Empty(t, f.calls)

	clk.t = clk.t.Add(svc.cfg.LeaseTTL + time.Second)
	res = svc.Run(ctx)
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Resumed)
	assert.Equal(t, []string{"c1"}, f.afters())

	// same rows as one uninterrupted run
	ref := newTestRepo(t)
	refSvc, _ := newTestSync(t, ref, twoPageFeed(), &clock{t: clk.t})
	require.True(t, refSvc.Run(ctx).Success)

	gotOrders, gotTxns := countRows(t, r)
	wantOrders, wantTxns := countRows(t, ref)
	assert.Equal(t, wantOrders, gotOrders)
	assert.Equal(t, wantTxns, gotTxns)
}

func TestSync_LostLeaseStopsRun(t *testing.T) {
	r := newTestRepo(t)
	clk := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	f := twoPageFeed()
	svc, _ := newTestSync(t, r, f, clk)
	ctx := context.Background()

	// another run claims the row between our pages
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		return r.DB(ctx).Model(&model.SyncState{}).Where("entity_type = ?", EntityOrders).
			Update("version", gorm.Expr("version + 1")).Error
	}

	res := svc.Run(ctx)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, repo.ErrSyncStateConflict)
	assert.Equal(t, []string{"", "c1"}, f.afters())
}

func TestSync_EmptyFirstPage(t *testing.T) {
	r := newTestRepo(t)
	svc, sleeps := newTestSync(t, r, &scriptedFeed{}, &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)})
	ctx := context.Background()

	res := svc.Run(ctx)
	require.True(t, res.Success, res.Error)
	assert.Zero(t, res.Pages)
	assert.Zero(t, *sleeps)

	st, err := svc.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusCompleted, st.SyncStatus)
	assert.False(t, st.HasCursor())
}

func TestSync_MoreWithoutCursorFails(t *testing.T) {
	r := newTestRepo(t)
	f := &scriptedFeed{pages: map[string]*feed.Page{"": {Orders: rawOrders(1, 3), HasMore: true}}}
	svc, _ := newTestSync(t, r, f, &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)})

	res := svc.Run(context.Background())
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrMissingCursor)
}

func TestSync_PanicBecomesFailedState(t *testing.T) {
	r := newTestRepo(t)
	svc, _ := newTestSync(t, r, &scriptedFeed{panic: true}, &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)})
	ctx := context.Background()

	var res SyncResult
	assert.NotPanics(t, func() { res = svc.Run(ctx) })
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "sync panic")

	st, err := svc.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusFailed, st.SyncStatus)
}

// flakyRepo injects store failures around a real repository.
type flakyRepo struct {
	repo.RepositoryInterface
	failTxns bool
	drop     string
}

func (f *flakyRepo) UpsertTransactions(ctx context.Context, rows []model.Transaction) error {
	if f.failTxns {
		return errors.New("disk full")
	}
	return f.RepositoryInterface.UpsertTransactions(ctx, rows)
}

func (f *flakyRepo) ResolveLocalIDs(ctx context.Context, ids []string) (map[string]uint64, error) {
	out, err := f.RepositoryInterface.ResolveLocalIDs(ctx, ids)
	if err == nil && f.drop != "" {
		delete(out, f.drop)
	}
	return out, err
}

func TestSync_StoreFailureIsFatal(t *testing.T) {
	r := newTestRepo(t)
	fr := &flakyRepo{RepositoryInterface: r, failTxns: true}
	svc, _ := newTestSync(t, fr, twoPageFeed(), &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)})
	ctx := context.Background()

	res := svc.Run(ctx)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "disk full")
	assert.Zero(t, res.TransactionsProcessed)

	st, err := svc.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusFailed, st.SyncStatus)
	assert.False(t, st.HasCursor(), "the failed page was never checkpointed")

	orders, txns := countRows(t, r)
	assert.Equal(t, int64(246), orders, "orders written before the failure stay")
	assert.Zero(t, txns)
}

func TestSync_UnresolvedOrderDropsTransactions(t *testing.T) {
	r := newTestRepo(t)
	fr := &flakyRepo{RepositoryInterface: r, drop: "gid://shopify/Order/3"}
	f := &scriptedFeed{pages: map[string]*feed.Page{"": {Orders: rawOrders(1, 4), NextCursor: "c1"}}}
	svc, _ := newTestSync(t, fr, f, &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)})

	res := svc.Run(context.Background())
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, res.TransactionsSkipped, "order 3 carries three transactions")
	assert.Equal(t, 1+2+0, res.TransactionsProcessed)
}

func TestSync_ReflaggedTestOrderLeavesReports(t *testing.T) {
	r := newTestRepo(t)
	clk := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	f := &scriptedFeed{pages: map[string]*feed.Page{"": {Orders: rawOrders(1, 3), NextCursor: "c1"}}}
	svc, _ := newTestSync(t, r, f, clk)
	ctx := context.Background()
	require.True(t, svc.Run(ctx).Success)
	orders, txns := countRows(t, r)
	require.Equal(t, int64(3), orders)
	require.Equal(t, int64(1+2+3), txns)

	// order 3 comes back flagged as a test order
	reflagged := rawOrders(3, 3)
	reflagged[0].Test = true
	svc.feed = &scriptedFeed{pages: map[string]*feed.Page{"": {Orders: reflagged, NextCursor: "c2"}}}
	clk.t = clk.t.Add(time.Hour)
	res := svc.Run(ctx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, model.SyncModeIncremental, res.Mode)
	assert.Equal(t, 1, res.TestOrdersSkipped)
	assert.Equal(t, 1, res.TestOrdersRemoved)

	orders, txns = countRows(t, r)
	assert.Equal(t, int64(2), orders)
	assert.Equal(t, int64(1+2), txns)

	sales, err := newTestAnalytics(t, r, 1000).SalesByChannel(ctx, ReportQuery{From: "2024-05-01", To: "2024-05-01"})
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, "web", sales[0].Channel)
	assert.Equal(t, 2, sales[0].Orders)
	assert.True(t, sales[0].Gross.Equal(decimal.NewFromInt(30)), sales[0].Gross.String())
}

func TestSync_DuplicateOrderInPageCountedOnce(t *testing.T) {
	r := newTestRepo(t)
	page := rawOrders(1, 2)
	page = append(page, rawOrders(2, 2)...)
	page[2].DisplayFinancialStatus = "REFUNDED"
	f := &scriptedFeed{pages: map[string]*feed.Page{"": {Orders: page, NextCursor: "c1"}}}
	svc, _ := newTestSync(t, r, f, &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)})

	res := svc.Run(context.Background())
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.OrdersProcessed)
	assert.Equal(t, 1+2, res.TransactionsProcessed)

	orders, txns := countRows(t, r)
	assert.Equal(t, int64(res.OrdersProcessed), orders)
	assert.Equal(t, int64(res.TransactionsProcessed), txns)

	var status string
	require.NoError(t, r.DB(context.Background()).Model(&model.Order{}).
		Where("external_id = ?", "gid://shopify/Order/2").
		Select("financial_status").Scan(&status).Error)
	assert.Equal(t, "refunded", status, "the last copy wins")
}

// bumpCounter counts report generation bumps around a real repository.
type bumpCounter struct {
	repo.RepositoryInterface
	bumps int
}

func (b *bumpCounter) BumpReportGeneration(context.Context) error {
	b.bumps++
	return nil
}

func TestSync_FailureAfterWritesInvalidatesReports(t *testing.T) {
	bc := &bumpCounter{RepositoryInterface: newTestRepo(t)}
	f := &scriptedFeed{
		pages: map[string]*feed.Page{"": {Orders: rawOrders(1, 10), NextCursor: "c1", HasMore: true}},
		errAt: map[string]error{"c1": errors.New("upstream 502")},
	}
	svc, _ := newTestSync(t, bc, f, &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)})

	res := svc.Run(context.Background())
	require.False(t, res.Success)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, 1, bc.bumps, "orders from page 1 are visible, cached reports must go")
}

func TestSync_FailureBeforeWritesKeepsReports(t *testing.T) {
	bc := &bumpCounter{RepositoryInterface: newTestRepo(t)}
	f := &scriptedFeed{errAt: map[string]error{"": errors.New("upstream 502")}}
	svc, _ := newTestSync(t, bc, f, &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)})

	res := svc.Run(context.Background())
	require.False(t, res.Success)
	assert.Zero(t, bc.bumps)
}
