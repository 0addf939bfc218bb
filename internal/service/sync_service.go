package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/order-sync-service/internal/config"
	"github.com/richardliu001/order-sync-service/internal/feed"
	"github.com/richardliu001/order-sync-service/internal/model"
	"github.com/richardliu001/order-sync-service/internal/repo"
	"github.com/richardliu001/order-sync-service/internal/transform"
	"go.uber.org/zap"
)

// EntityOrders is the sync state key of the orders feed.
const EntityOrders = "orders"

// feedTimeLayout renders filter timestamps without sub-seconds and with a literal Z.
const feedTimeLayout = "2006-01-02T15:04:05Z"

// finishTimeout bounds the terminal state write, which runs detached from
// the caller's context.
const finishTimeout = 10 * time.Second

var (
	// ErrSyncInProgress means another run holds the orders lease.
	ErrSyncInProgress = errors.New("orders sync already in progress")
	// ErrMissingCursor means the feed reported more pages without a cursor.
	ErrMissingCursor = errors.New("feed reported more pages without a cursor")
)

// SyncResult is what the trigger reports back.
type SyncResult struct {
	RunID                 string    `json:"runId"`
	Mode                  string    `json:"mode,omitempty"`
	Resumed               bool      `json:"resumed"`
	Success               bool      `json:"success"`
	OrdersProcessed       int       `json:"ordersProcessed"`
	TransactionsProcessed int       `json:"transactionsProcessed"`
	TestOrdersSkipped     int       `json:"testOrdersSkipped"`
	TestOrdersRemoved     int       `json:"testOrdersRemoved"`
	TransactionsSkipped   int       `json:"transactionsSkipped"`
	Pages                 int       `json:"pages"`
	Error                 string    `json:"error,omitempty"`
	StartedAt             time.Time `json:"startedAt"`
	FinishedAt            time.Time `json:"finishedAt"`

	Err error `json:"-"`
}

// plan is the decided shape of one run.
type plan struct {
	mode    string
	query   string
	cursor  string
	resumed bool
}

// SyncService drives the orders synchronization: it picks initial or
// incremental mode, walks the feed one page at a time and checkpoints the
// cursor after every page's writes.
type SyncService struct {
	repo repo.RepositoryInterface
	feed feed.Fetcher
	tf   *transform.Transformer
	cfg  config.SyncConfig
	log  *zap.SugaredLogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSyncService returns SyncService.
func NewSyncService(r repo.RepositoryInterface, f feed.Fetcher, cfg config.SyncConfig, logger *zap.SugaredLogger) *SyncService {
	cfg = cfg.WithDefaults()
	return &SyncService{
		repo:  r,
		feed:  f,
		tf:    transform.New(cfg.DefaultCurrency),
		cfg:   cfg,
		log:   logger,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// State returns the persisted orders sync state.
func (s *SyncService) State(ctx context.Context) (*model.SyncState, error) {
	return s.repo.GetSyncState(ctx, EntityOrders)
}

// Run performs one orders synchronization. It never panics and never
// returns a bare error: failures are persisted and reported in the result.
func (s *SyncService) Run(ctx context.Context) (res SyncResult) {
	res = SyncResult{RunID: uuid.NewString(), StartedAt: s.now().UTC()}
	log := s.log.With("run_id", res.RunID, "entity", EntityOrders)

	claimed := false
	var version uint64
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("sync panic: %v", p)
			if claimed {
				s.fail(ctx, log, version, &res, err)
			} else {
				res.fail(err, s.now())
			}
		}
	}()

	st, err := s.loadState(ctx)
	if err != nil {
		res.fail(err, s.now())
		return res
	}

	p, err := s.plan(st)
	if err != nil {
		log.Warnw("sync refused", "error", err, "status", st.SyncStatus)
		res.fail(err, s.now())
		return res
	}
	res.Mode, res.Resumed = p.mode, p.resumed

	version, err = s.claim(ctx, st, p, res.RunID)
	if err != nil {
		if errors.Is(err, repo.ErrSyncStateConflict) {
			err = ErrSyncInProgress
		}
		res.fail(err, s.now())
		return res
	}
	claimed = true
	log.Infow("sync started", "mode", p.mode, "query", p.query, "resumed", p.resumed, "cursor", p.cursor)

	if err := s.walk(ctx, log, version, p, &res); err != nil {
		s.fail(ctx, log, version, &res, err)
		return res
	}
	s.complete(ctx, log, version, &res)
	return res
}

func (s *SyncService) loadState(ctx context.Context) (*model.SyncState, error) {
	st, err := s.repo.GetSyncState(ctx, EntityOrders)
	if errors.Is(err, repo.ErrSyncStateNotFound) {
		if err := s.repo.SeedSyncState(ctx, EntityOrders); err != nil {
			return nil, fmt.Errorf("seed sync state: %w", err)
		}
		st, err = s.repo.GetSyncState(ctx, EntityOrders)
	}
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	return st, nil
}

// plan decides between resume, initial and incremental. A running row whose
// heartbeat is younger than the lease belongs to a live run.
func (s *SyncService) plan(st *model.SyncState) (plan, error) {
	now := s.now()
	if st.SyncStatus == model.SyncStatusRunning && st.LastSyncAt != nil && now.Sub(*st.LastSyncAt) < s.cfg.LeaseTTL {
		return plan{}, ErrSyncInProgress
	}

	resumable := st.SyncStatus == model.SyncStatusRunning || st.SyncStatus == model.SyncStatusFailed
	if resumable && st.HasCursor() {
		p := plan{mode: st.SyncMode, cursor: *st.LastCursor, resumed: true}
		if st.SyncQuery != nil && *st.SyncQuery != "" {
			p.query = *st.SyncQuery
		} else {
			p.mode, p.query = s.freshQuery(st, now)
		}
		return p, nil
	}

	mode, query := s.freshQuery(st, now)
	return plan{mode: mode, query: query}, nil
}

func (s *SyncService) freshQuery(st *model.SyncState, now time.Time) (string, string) {
	if st.LastSuccessAt == nil {
		since := now.Add(-s.cfg.BackfillWindow)
		return model.SyncModeInitial, "created_at:>='" + since.UTC().Format(feedTimeLayout) + "'"
	}
	return model.SyncModeIncremental, "updated_at:>='" + st.LastSuccessAt.UTC().Format(feedTimeLayout) + "'"
}

// claim marks the row running under a version guard and returns the
// version every later write of this run must match.
func (s *SyncService) claim(ctx context.Context, st *model.SyncState, p plan, runID string) (uint64, error) {
	running := model.SyncStatusRunning
	now := s.now()
	upd := model.SyncStateUpdate{
		Status:        &running,
		ClearError:    true,
		LastSyncAt:    &now,
		Mode:          &p.mode,
		Query:         &p.query,
		RunID:         &runID,
		ExpectVersion: &st.Version,
		BumpVersion:   true,
	}
	if !p.resumed {
		upd.ClearCursor = true
	}
	if err := s.repo.SetSyncState(ctx, EntityOrders, upd); err != nil {
		return 0, err
	}
	return st.Version + 1, nil
}

// walk fetches and persists pages until the feed is exhausted.
func (s *SyncService) walk(ctx context.Context, log *zap.SugaredLogger, version uint64, p plan, res *SyncResult) error {
	cursor := p.cursor
	for {
		page, err := s.fetch(ctx, cursor, p.query)
		if err != nil {
			return err
		}
		if len(page.Orders) == 0 {
			log.Infow("empty page, stopping", "cursor", cursor)
			return nil
		}

		if err := s.persistPage(ctx, page, res); err != nil {
			return err
		}
		res.Pages++

		if page.NextCursor != "" {
			cursor = page.NextCursor
			running := model.SyncStatusRunning
			heartbeat := s.now()
			err := s.repo.SetSyncState(ctx, EntityOrders, model.SyncStateUpdate{
				Status:        &running,
				Cursor:        &cursor,
				LastSyncAt:    &heartbeat,
				ExpectVersion: &version,
			})
			if err != nil {
				return fmt.Errorf("checkpoint cursor: %w", err)
			}
		} else if page.HasMore {
			return ErrMissingCursor
		}

		log.Infow("page synced",
			"page", res.Pages,
			"orders", res.OrdersProcessed,
			"transactions", res.TransactionsProcessed,
			"test_skipped", res.TestOrdersSkipped,
			"has_more", page.HasMore)

		if !page.HasMore {
			return nil
		}
		if err := s.sleep(ctx, s.cfg.PageDelay); err != nil {
			return err
		}
	}
}

func (s *SyncService) fetch(ctx context.Context, cursor, query string) (*feed.Page, error) {
	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	page, err := s.feed.FetchPage(fctx, feed.PageRequest{After: cursor, Query: query, First: s.cfg.PageSize})
	if err != nil {
		return nil, fmt.Errorf("fetch page after %q: %w", cursor, err)
	}
	return page, nil
}

// persistPage writes the orders of one page, then the transactions of the
// orders that resolved to a local id.
func (s *SyncService) persistPage(ctx context.Context, page *feed.Page, res *SyncResult) error {
	now := s.now()
	live, testIDs := s.tf.Partition(page.Orders)
	res.TestOrdersSkipped += len(testIDs)
	// an order flagged as test after it was stored must leave the reports
	removed, err := s.repo.DeleteOrdersByExternalID(ctx, testIDs)
	if err != nil {
		return err
	}
	res.TestOrdersRemoved += int(removed)
	if len(live) == 0 {
		return nil
	}

	live = lastByID(live)
	orders := make([]model.Order, 0, len(live))
	extIDs := make([]string, 0, len(live))
	for _, raw := range live {
		orders = append(orders, s.tf.ToOrder(raw, now))
		extIDs = append(extIDs, raw.ID)
	}
	if err := s.repo.UpsertOrders(ctx, orders); err != nil {
		return err
	}
	res.OrdersProcessed += len(orders)

	ids, err := s.repo.ResolveLocalIDs(ctx, extIDs)
	if err != nil {
		return err
	}

	var txns []model.Transaction
	for _, raw := range live {
		id, ok := ids[raw.ID]
		if !ok {
			res.TransactionsSkipped += len(raw.Transactions)
			continue
		}
		rows, skipped := s.tf.ToTransactions(raw, id, now)
		res.TransactionsSkipped += skipped
		txns = append(txns, rows...)
	}
	if err := s.repo.UpsertTransactions(ctx, txns); err != nil {
		return err
	}
	res.TransactionsProcessed += len(txns)
	return nil
}

// lastByID keeps the last occurrence of each order id, in first-seen order.
func lastByID(raw []feed.RawOrder) []feed.RawOrder {
	idx := make(map[string]int, len(raw))
	out := make([]feed.RawOrder, 0, len(raw))
	for _, o := range raw {
		if i, ok := idx[o.ID]; ok {
			out[i] = o
			continue
		}
		idx[o.ID] = len(out)
		out = append(out, o)
	}
	return out
}

func (s *SyncService) complete(ctx context.Context, log *zap.SugaredLogger, version uint64, res *SyncResult) {
	res.Success = true
	res.FinishedAt = s.now().UTC()

	done := model.SyncStatusCompleted
	started := res.StartedAt
	upd := model.SyncStateUpdate{
		Status:        &done,
		ClearError:    true,
		LastSyncAt:    &res.FinishedAt,
		LastSuccessAt: &started,
		ExpectVersion: &version,
	}
	fctx, cancel := detached(ctx)
	defer cancel()
	if err := s.repo.FinishSyncState(fctx, EntityOrders, upd, s.event(model.EventSyncCompleted, *res)); err != nil {
		log.Errorw("persist completed state", "error", err)
		res.fail(fmt.Errorf("persist completed state: %w", err), s.now())
		return
	}
	s.bumpReports(fctx, log)
	log.Infow("sync completed",
		"mode", res.Mode,
		"pages", res.Pages,
		"orders", res.OrdersProcessed,
		"transactions", res.TransactionsProcessed,
		"test_orders_skipped", res.TestOrdersSkipped,
		"transactions_skipped", res.TransactionsSkipped)
}

func (s *SyncService) fail(ctx context.Context, log *zap.SugaredLogger, version uint64, res *SyncResult, cause error) {
	res.fail(cause, s.now())

	failed := model.SyncStatusFailed
	msg := cause.Error()
	upd := model.SyncStateUpdate{Status: &failed, Error: &msg, LastSyncAt: &res.FinishedAt, ExpectVersion: &version}
	fctx, cancel := detached(ctx)
	defer cancel()
	if err := s.repo.FinishSyncState(fctx, EntityOrders, upd, s.event(model.EventSyncFailed, *res)); err != nil {
		log.Errorw("persist failed state", "error", err, "cause", cause)
	}
	// writes committed before the failure are already visible to reports
	if res.OrdersProcessed > 0 || res.TestOrdersRemoved > 0 {
		s.bumpReports(fctx, log)
	}
	log.Errorw("sync failed",
		"error", cause,
		"pages", res.Pages,
		"orders", res.OrdersProcessed,
		"transactions", res.TransactionsProcessed)
}

func (s *SyncService) bumpReports(ctx context.Context, log *zap.SugaredLogger) {
	if err := s.repo.BumpReportGeneration(ctx); err != nil && !errors.Is(err, repo.ErrCacheDisabled) {
		log.Warnw("bump report generation", "error", err)
	}
}

func (s *SyncService) event(eventType string, res SyncResult) *model.OutboxEvent {
	payload, _ := json.Marshal(res)
	return &model.OutboxEvent{
		Aggregate:   "sync_state",
		AggregateID: EntityOrders,
		EventType:   eventType,
		Payload:     payload,
	}
}

func (r *SyncResult) fail(err error, at time.Time) {
	r.Success = false
	r.Err = err
	r.Error = err.Error()
	r.FinishedAt = at.UTC()
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
