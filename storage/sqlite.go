package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SQLiteConfig SQLite 后端配置
type SQLiteConfig struct {
	// 数据库文件路径，":memory:" 表示内存数据库
	Path string `yaml:"path" json:"path"`

	// 最大打开连接数
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`

	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DefaultSQLiteConfig 返回默认 SQLite 配置
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:            "./data/agenthub.db",
		MaxOpenConns:    1,
		ConnMaxLifetime: time.Hour,
	}
}

// record 是 SQLite 后端的存储行。(collection, key) 唯一。
type record struct {
	ID         uint   `gorm:"primaryKey"`
	Collection string `gorm:"uniqueIndex:idx_collection_key;size:128;not null"`
	Key        string `gorm:"uniqueIndex:idx_collection_key;size:512;not null"`
	Value      []byte `gorm:"not null"`
	UpdatedAt  time.Time
}

func (record) TableName() string { return "records" }

// SQLiteBackend 是基于 GORM + SQLite 的持久化主存储。
// 适合单节点部署；分布式部署请使用 MongoBackend。
type SQLiteBackend struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config SQLiteConfig
	logger *zap.Logger
}

// NewSQLiteBackend 创建 SQLite 后端并完成表结构迁移。
func NewSQLiteBackend(config SQLiteConfig, logger *zap.Logger) (*SQLiteBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Path == "" {
		config.Path = DefaultSQLiteConfig().Path
	}

	db, err := gorm.Open(sqlite.Open(config.Path), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate records table: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	logger.Info("sqlite backend initialized", zap.String("path", config.Path))

	return &SQLiteBackend{
		db:     db,
		sqlDB:  sqlDB,
		config: config,
		logger: logger.With(zap.String("component", "storage_sqlite")),
	}, nil
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) Capabilities() Capabilities {
	return Capabilities{Durable: true, GraphCapable: true}
}

func (b *SQLiteBackend) Put(ctx context.Context, collection, key string, value []byte) error {
	if collection == "" || key == "" {
		return ErrInvalidInput
	}

	rec := record{Collection: collection, Key: key, Value: value, UpdatedAt: time.Now()}
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		b.logger.Error("put failed", zap.String("collection", collection), zap.String("key", key), zap.Error(err))
		return fmt.Errorf("sqlite put failed: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, collection, key string) ([]byte, error) {
	var rec record
	err := b.db.WithContext(ctx).
		Where("collection = ? AND key = ?", collection, key).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get failed: %w", err)
	}
	return rec.Value, nil
}

func (b *SQLiteBackend) Query(ctx context.Context, collection string, filter Filter) ([]KV, error) {
	q := b.db.WithContext(ctx).Model(&record{}).Where("collection = ?", collection)
	if filter.KeyPrefix != "" {
		q = q.Where("key LIKE ? ESCAPE '\\'", escapeLike(filter.KeyPrefix)+"%")
	}
	if filter.Contains != "" {
		q = q.Where("value LIKE ? ESCAPE '\\'", "%"+escapeLike(filter.Contains)+"%")
	}
	q = q.Order("key ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []record
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("sqlite query failed: %w", err)
	}

	results := make([]KV, 0, len(recs))
	for _, r := range recs {
		results = append(results, KV{Key: r.Key, Value: r.Value})
	}
	return results, nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, collection, key string) error {
	err := b.db.WithContext(ctx).
		Where("collection = ? AND key = ?", collection, key).
		Delete(&record{}).Error
	if err != nil {
		return fmt.Errorf("sqlite delete failed: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.sqlDB.PingContext(ctx)
}

func (b *SQLiteBackend) Close() error {
	return b.sqlDB.Close()
}

// escapeLike 转义 LIKE 模式中的通配符。
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
