// Package sqlstore implements blobmetrics.MetricsStore on SQLite through gorm.
//
// Updates are single UPDATE statements of the form col = col + ?, so the
// database performs the addition and concurrent writers cannot lose each
// other's deltas. Flush tokens are kept in a side table and checked in the
// same transaction.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dray-io/blobmetrics/internal/blobmetrics"
	"github.com/dray-io/blobmetrics/internal/logging"
)

// DatabaseFile is the file name used inside the data directory.
const DatabaseFile = "blobmetrics.sqlite"

// MetricsRow is one blob store's cumulative metrics.
type MetricsRow struct {
	ID                         uint   `gorm:"primarykey"`
	BlobStoreName              string `gorm:"uniqueIndex;size:255;not null"`
	BlobCount                  int64  `gorm:"not null;default:0"`
	TotalSize                  int64  `gorm:"not null;default:0"`
	UploadSuccessfulRequests   uint64 `gorm:"not null;default:0"`
	UploadErrorRequests        uint64 `gorm:"not null;default:0"`
	UploadBlobSize             uint64 `gorm:"not null;default:0"`
	UploadTimeOnRequests       uint64 `gorm:"not null;default:0"`
	DownloadSuccessfulRequests uint64 `gorm:"not null;default:0"`
	DownloadErrorRequests      uint64 `gorm:"not null;default:0"`
	DownloadBlobSize           uint64 `gorm:"not null;default:0"`
	DownloadTimeOnRequests     uint64 `gorm:"not null;default:0"`
	UpdatedAt                  time.Time
}

// TableName overrides the gorm default.
func (MetricsRow) TableName() string { return "blob_store_metrics" }

func (r MetricsRow) aggregate() blobmetrics.Aggregate {
	return blobmetrics.Aggregate{
		BlobStoreName: r.BlobStoreName,
		BlobCount:     r.BlobCount,
		TotalSize:     r.TotalSize,
		Upload: blobmetrics.OperationMetrics{
			SuccessfulRequests: r.UploadSuccessfulRequests,
			ErrorRequests:      r.UploadErrorRequests,
			BlobSize:           r.UploadBlobSize,
			TimeOnRequests:     r.UploadTimeOnRequests,
		},
		Download: blobmetrics.OperationMetrics{
			SuccessfulRequests: r.DownloadSuccessfulRequests,
			ErrorRequests:      r.DownloadErrorRequests,
			BlobSize:           r.DownloadBlobSize,
			TimeOnRequests:     r.DownloadTimeOnRequests,
		},
	}
}

// FlushTokenRow is the highest applied flush sequence for one writer.
type FlushTokenRow struct {
	BlobStoreName string `gorm:"primaryKey;size:255"`
	Writer        string `gorm:"primaryKey;size:64"`
	Sequence      uint64 `gorm:"not null"`
	UpdatedAt     time.Time
}

// TableName overrides the gorm default.
func (FlushTokenRow) TableName() string { return "blob_store_metrics_flush_tokens" }

var errTokenApplied = errors.New("sqlstore: flush token already applied")

// Store is a gorm-backed MetricsStore.
type Store struct {
	db     *gorm.DB
	logger *logging.Logger
}

// Config configures Open.
type Config struct {
	// DataDir holds the database file. Empty means a private in-memory
	// database.
	DataDir string
	Logger  *logging.Logger
}

// Open opens or creates the database and migrates the schema.
func Open(cfg Config) (*Store, error) {
	dsn, err := dataSourceName(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	// SQLite allows a single writer; one connection keeps transactions from
	// failing with "database is locked".
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&MetricsRow{}, &FlushTokenRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logging.OrDefault(cfg.Logger).Component("metricsstore-sql"),
	}
	s.logger.Infof("sql metrics store opened", map[string]any{"dataDir": cfg.DataDir})
	return s, nil
}

func dataSourceName(dataDir string) (string, error) {
	if dataDir == "" {
		// Each in-memory store gets its own named database so separate
		// stores in one process do not share rows.
		return fmt.Sprintf("file:blobmetrics-%s?mode=memory&cache=shared", uuid.NewString()), nil
	}
	if _, err := os.Stat(dataDir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("sqlstore: read data dir: %w", err)
		}
		if err := os.MkdirAll(dataDir, fs.ModePerm); err != nil {
			return "", fmt.Errorf("sqlstore: create data dir: %w", err)
		}
	}
	path := filepath.Join(dataDir, DatabaseFile)
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path), nil
}

// DB exposes the underlying gorm handle.
func (s *Store) DB() *gorm.DB { return s.db }

// InitializeMetrics inserts a zeroed row unless one exists.
func (s *Store) InitializeMetrics(ctx context.Context, name string) error {
	row := MetricsRow{BlobStoreName: name}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "blob_store_name"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("sqlstore: initialize %q: %w", name, result.Error)
	}
	return nil
}

// UpdateMetrics adds delta in the database.
func (s *Store) UpdateMetrics(ctx context.Context, delta blobmetrics.Aggregate, token blobmetrics.FlushToken) error {
	name := delta.BlobStoreName
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !token.IsZero() {
			if err := claimToken(tx, name, token); err != nil {
				return err
			}
		}
		result := tx.Model(&MetricsRow{}).
			Where("blob_store_name = ?", name).
			Updates(additions(delta))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return blobmetrics.ErrMetricsNotFound
		}
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errTokenApplied):
		return nil
	case errors.Is(err, blobmetrics.ErrMetricsNotFound):
		return err
	default:
		return fmt.Errorf("sqlstore: update %q: %w", name, err)
	}
}

// claimToken raises the writer's watermark to token.Sequence. It returns
// errTokenApplied, rolling back the transaction, when the watermark is
// already at or above it.
func claimToken(tx *gorm.DB, name string, token blobmetrics.FlushToken) error {
	row := FlushTokenRow{
		BlobStoreName: name,
		Writer:        token.Writer,
		Sequence:      token.Sequence,
	}
	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "blob_store_name"}, {Name: "writer"}},
		DoUpdates: clause.AssignmentColumns([]string{"sequence", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "blob_store_metrics_flush_tokens.sequence < excluded.sequence"},
		}},
	}).Create(&row)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errTokenApplied
	}
	return nil
}

func additions(d blobmetrics.Aggregate) map[string]any {
	return map[string]any{
		"blob_count":                   gorm.Expr("blob_count + ?", d.BlobCount),
		"total_size":                   gorm.Expr("total_size + ?", d.TotalSize),
		"upload_successful_requests":   gorm.Expr("upload_successful_requests + ?", d.Upload.SuccessfulRequests),
		"upload_error_requests":        gorm.Expr("upload_error_requests + ?", d.Upload.ErrorRequests),
		"upload_blob_size":             gorm.Expr("upload_blob_size + ?", d.Upload.BlobSize),
		"upload_time_on_requests":      gorm.Expr("upload_time_on_requests + ?", d.Upload.TimeOnRequests),
		"download_successful_requests": gorm.Expr("download_successful_requests + ?", d.Download.SuccessfulRequests),
		"download_error_requests":      gorm.Expr("download_error_requests + ?", d.Download.ErrorRequests),
		"download_blob_size":           gorm.Expr("download_blob_size + ?", d.Download.BlobSize),
		"download_time_on_requests":    gorm.Expr("download_time_on_requests + ?", d.Download.TimeOnRequests),
		"updated_at":                   time.Now().UTC(),
	}
}

// Get returns the row for name.
func (s *Store) Get(ctx context.Context, name string) (blobmetrics.Aggregate, error) {
	var row MetricsRow
	result := s.db.WithContext(ctx).Where("blob_store_name = ?", name).First(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return blobmetrics.Aggregate{}, blobmetrics.ErrMetricsNotFound
		}
		return blobmetrics.Aggregate{}, fmt.Errorf("sqlstore: get %q: %w", name, result.Error)
	}
	return row.aggregate(), nil
}

// ClearCountMetrics zeroes blob count and total size.
func (s *Store) ClearCountMetrics(ctx context.Context, name string) error {
	return s.reset(ctx, name, "clear counts", map[string]any{
		"blob_count": 0,
		"total_size": 0,
	})
}

// ClearOperationMetrics zeroes the per-operation columns.
func (s *Store) ClearOperationMetrics(ctx context.Context, name string) error {
	return s.reset(ctx, name, "clear operations", map[string]any{
		"upload_successful_requests":   0,
		"upload_error_requests":        0,
		"upload_blob_size":             0,
		"upload_time_on_requests":      0,
		"download_successful_requests": 0,
		"download_error_requests":      0,
		"download_blob_size":           0,
		"download_time_on_requests":    0,
	})
}

func (s *Store) reset(ctx context.Context, name, op string, cols map[string]any) error {
	cols["updated_at"] = time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&MetricsRow{}).
		Where("blob_store_name = ?", name).
		Updates(cols)
	if result.Error != nil {
		return fmt.Errorf("sqlstore: %s %q: %w", op, name, result.Error)
	}
	if result.RowsAffected == 0 {
		return blobmetrics.ErrMetricsNotFound
	}
	return nil
}

// Remove deletes the row and its flush tokens.
func (s *Store) Remove(ctx context.Context, name string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("blob_store_name = ?", name).Delete(&FlushTokenRow{}).Error; err != nil {
			return err
		}
		return tx.Where("blob_store_name = ?", name).Delete(&MetricsRow{}).Error
	})
	if err != nil {
		return fmt.Errorf("sqlstore: remove %q: %w", name, err)
	}
	return nil
}

// List returns every row ordered by name.
func (s *Store) List(ctx context.Context) ([]blobmetrics.Aggregate, error) {
	var rows []MetricsRow
	if err := s.db.WithContext(ctx).Order("blob_store_name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: list: %w", err)
	}
	out := make([]blobmetrics.Aggregate, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.aggregate())
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ blobmetrics.MetricsStore = (*Store)(nil)
