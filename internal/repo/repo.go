package repo

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/order-sync-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrSyncStateNotFound is returned when no state row exists for an entity type.
	ErrSyncStateNotFound = errors.New("sync state not found")
	// ErrSyncStateConflict is returned when a version-guarded state write lost the race.
	ErrSyncStateConflict = errors.New("sync state version conflict")
	// ErrCacheDisabled is returned by cache calls when no redis client is configured.
	ErrCacheDisabled = errors.New("report cache disabled")
)

// upsertBatchSize bounds the number of rows per INSERT statement.
const upsertBatchSize = 100

// RepositoryInterface restricts Repo methods (handy for unit-test fakes).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	UpsertOrders(ctx context.Context, rows []model.Order) error
	UpsertTransactions(ctx context.Context, rows []model.Transaction) error
	ResolveLocalIDs(ctx context.Context, externalIDs []string) (map[string]uint64, error)
	DeleteOrdersByExternalID(ctx context.Context, externalIDs []string) (int64, error)

	SeedSyncState(ctx context.Context, entityType string) error
	GetSyncState(ctx context.Context, entityType string) (*model.SyncState, error)
	SetSyncState(ctx context.Context, entityType string, upd model.SyncStateUpdate) error
	FinishSyncState(ctx context.Context, entityType string, upd model.SyncStateUpdate, evt *model.OutboxEvent) error

	ScanTransactionRows(ctx context.Context, f model.RowFilter, pageSize int, fn func([]model.TransactionRow) error) error

	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	ReportGeneration(ctx context.Context) (int64, error)
	BumpReportGeneration(ctx context.Context) error
	CacheReport(ctx context.Context, key string, v interface{}, ttl time.Duration) error
	GetCachedReport(ctx context.Context, key string, dst interface{}) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
	now    func() time.Time
}

// NewRepository constructs repo. rdb and w may be nil when the caller does
// not cache reports or publish events.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger, now: time.Now}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }
