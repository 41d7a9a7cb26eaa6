package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// MongoConfig MongoDB 后端配置
type MongoConfig struct {
	// 连接 URI
	URI string `yaml:"uri" json:"uri"`

	// 数据库名称
	Database string `yaml:"database" json:"database"`

	// 集合名称
	Collection string `yaml:"collection" json:"collection"`

	// 连接超时
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:            "mongodb://localhost:27017",
		Database:       "agenthub",
		Collection:     "records",
		ConnectTimeout: 5 * time.Second,
	}
}

// mongoRecord 是 MongoDB 后端的存储文档。
type mongoRecord struct {
	Collection string    `bson:"collection"`
	Key        string    `bson:"key"`
	Value      string    `bson:"value"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

// MongoBackend 是基于 MongoDB 的持久化主存储，面向分布式部署。
type MongoBackend struct {
	client *mongo.Client
	coll   *mongo.Collection
	config MongoConfig
	logger *zap.Logger
}

// NewMongoBackend 创建 MongoDB 后端并建立唯一索引。
func NewMongoBackend(config MongoConfig, logger *zap.Logger) (*MongoBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}

	client, err := mongo.Connect(options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	coll := client.Database(config.Database).Collection(config.Collection)

	// (collection, key) 唯一索引
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "collection", Value: 1}, {Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	logger.Info("mongo backend initialized",
		zap.String("database", config.Database),
		zap.String("collection", config.Collection),
	)

	return &MongoBackend{
		client: client,
		coll:   coll,
		config: config,
		logger: logger.With(zap.String("component", "storage_mongo")),
	}, nil
}

func (b *MongoBackend) Name() string { return "mongo" }

func (b *MongoBackend) Capabilities() Capabilities {
	return Capabilities{Durable: true, GraphCapable: true}
}

func (b *MongoBackend) Put(ctx context.Context, collection, key string, value []byte) error {
	if collection == "" || key == "" {
		return ErrInvalidInput
	}

	doc := mongoRecord{Collection: collection, Key: key, Value: string(value), UpdatedAt: time.Now()}
	_, err := b.coll.ReplaceOne(ctx,
		bson.D{{Key: "collection", Value: collection}, {Key: "key", Value: key}},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		b.logger.Error("put failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("mongo put failed: %w", err)
	}
	return nil
}

func (b *MongoBackend) Get(ctx context.Context, collection, key string) ([]byte, error) {
	var doc mongoRecord
	err := b.coll.FindOne(ctx,
		bson.D{{Key: "collection", Value: collection}, {Key: "key", Value: key}},
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo get failed: %w", err)
	}
	return []byte(doc.Value), nil
}

func (b *MongoBackend) Query(ctx context.Context, collection string, filter Filter) ([]KV, error) {
	query := bson.D{{Key: "collection", Value: collection}}
	if filter.KeyPrefix != "" {
		// 前缀匹配用键范围表达，避免正则转义
		query = append(query, bson.E{Key: "key", Value: bson.D{
			{Key: "$gte", Value: filter.KeyPrefix},
			{Key: "$lt", Value: prefixUpperBound(filter.KeyPrefix)},
		}})
	}

	opts := options.Find().SetSort(bson.D{{Key: "key", Value: 1}})
	cursor, err := b.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo query failed: %w", err)
	}
	defer cursor.Close(ctx)

	var results []KV
	for cursor.Next(ctx) {
		var doc mongoRecord
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo decode failed: %w", err)
		}
		// 内容过滤在客户端完成
		if filter.Contains != "" && !strings.Contains(doc.Value, filter.Contains) {
			continue
		}
		results = append(results, KV{Key: doc.Key, Value: []byte(doc.Value)})
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("mongo cursor failed: %w", err)
	}
	return results, nil
}

func (b *MongoBackend) Delete(ctx context.Context, collection, key string) error {
	_, err := b.coll.DeleteOne(ctx,
		bson.D{{Key: "collection", Value: collection}, {Key: "key", Value: key}},
	)
	if err != nil {
		return fmt.Errorf("mongo delete failed: %w", err)
	}
	return nil
}

func (b *MongoBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx, nil)
}

func (b *MongoBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.client.Disconnect(ctx)
}

// prefixUpperBound 返回前缀范围扫描的排他上界。
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return prefix + "\xff"
}
