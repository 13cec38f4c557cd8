package maintenance

import (
	"time"

	"go.uber.org/zap"

	"mailflow/backend/internal/archive"
	"mailflow/backend/internal/monitoring"
	"mailflow/backend/internal/service"
)

// PurgeExpiredAliases 清理已过期与软删除的别名及其转发规则。
func PurgeExpiredAliases(aliases *service.AliasService, log *zap.Logger) JobFunc {
	return func() error {
		n, err := aliases.PurgeExpired()
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("purged expired aliases", zap.Int("count", n))
		}
		return nil
	}
}

// SweepStaleMessages 把滞留在 PROCESSING 超过 olderThan 的投递记录标记为失败。
// 进程崩溃会留下这样的记录，对应的投递协程已经不存在了。
func SweepStaleMessages(messages *service.MessageService, olderThan time.Duration, log *zap.Logger) JobFunc {
	return func() error {
		n, err := messages.SweepStaleProcessing(olderThan)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Warn("swept stale processing messages",
				zap.Int("count", n),
				zap.Duration("older_than", olderThan),
			)
		}
		return nil
	}
}

// LogDailyStatistics 输出一次投递统计摘要。
func LogDailyStatistics(messages *service.MessageService, log *zap.Logger) JobFunc {
	return func() error {
		stats, err := messages.Statistics()
		if err != nil {
			return err
		}
		log.Info("daily delivery statistics",
			zap.Int("total_domains", stats.TotalDomains),
			zap.Int("total_aliases", stats.TotalAliases),
			zap.Int("total_messages", stats.TotalMessages),
			zap.Int("messages_today", stats.MessagesToday),
			zap.Any("messages_by_status", stats.MessagesByStatus),
		)
		return nil
	}
}

// CleanupArchive 删除超过保留期的本地归档对象。
func CleanupArchive(arch *archive.FilesystemArchive, retentionDays int, log *zap.Logger) JobFunc {
	return func() error {
		n, err := arch.CleanupExpired(retentionDays)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("cleaned up expired archive objects", zap.Int("count", n))
		}
		return nil
	}
}

// UpdateQueueDepthGauge 刷新中继队列深度指标。
func UpdateQueueDepthGauge(depth func() int, metrics *monitoring.Metrics) JobFunc {
	return func() error {
		metrics.UpdateRelayQueueDepth(depth())
		return nil
	}
}

// UpdateWebsocketGauge 刷新 WebSocket 在线客户端数指标。
func UpdateWebsocketGauge(count func() int, metrics *monitoring.Metrics) JobFunc {
	return func() error {
		metrics.UpdateWebsocketClients(count())
		return nil
	}
}
