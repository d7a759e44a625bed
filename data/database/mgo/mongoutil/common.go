package mongoutil

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
)

const (
	defaultMaxPoolSize = 100
	defaultMaxRetry    = 3
)

func buildMongoURI(config *Config, authSource string) string {
	credentials := ""
	if config.Username != "" && config.Password != "" {
		credentials = fmt.Sprintf("%s:%s@", config.Username, config.Password)
	}
	return fmt.Sprintf(
		"mongodb://%s%s/%s?authSource=%s&maxPoolSize=%d",
		credentials,
		strings.Join(config.Address, ","),
		config.Database,
		authSource,
		config.MaxPoolSize,
	)
}

// shouldRetry determines whether an error should trigger a retry.
func shouldRetry(ctx context.Context, err error) bool {
	select {
	case <-ctx.Done():
		return false
	default:
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) {
			// 13 Unauthorized / 18 AuthenticationFailed 重试无意义
			return cmdErr.Code != 13 && cmdErr.Code != 18
		}
		return true
	}
}

// IsDuplicateKey 唯一索引冲突
func IsDuplicateKey(err error) bool {
	return err != nil && mongo.IsDuplicateKeyError(err)
}

// IsNoDocuments 查询无结果
func IsNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// EnsureIndexes 按名字幂等创建索引：已存在的跳过
func EnsureIndexes(ctx context.Context, db *mongo.Database, collections map[string][]mongo.IndexModel) error {
	for collName, indexes := range collections {
		coll := db.Collection(collName)

		existing, err := coll.Indexes().ListSpecifications(ctx)
		if err != nil {
			return fmt.Errorf("list indexes for %s: %w", collName, err)
		}
		existingNames := make(map[string]struct{}, len(existing))
		for _, spec := range existing {
			existingNames[spec.Name] = struct{}{}
		}

		for _, idx := range indexes {
			if idx.Options != nil && idx.Options.Name != nil {
				if _, ok := existingNames[*idx.Options.Name]; ok {
					continue
				}
			}
			if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
				return fmt.Errorf("create index on %s: %w", collName, err)
			}
		}
	}
	return nil
}
