package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/jackc/pgx/v5/pgxpool"
	gormmysql "gorm.io/driver/mysql"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/storage"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）。
// MySQL 走 database/sql 标准连接池，PostgreSQL 走 pgx 连接池。
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string // "mysql" or "postgres"
	pgxPool    *pgxpool.Pool
}

// NewStore 创建 SQL 数据库存储
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	var (
		db   *sql.DB
		pool *pgxpool.Pool
		err  error
	)

	switch driverName {
	case "mysql":
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxIdleConns)
		db.SetConnMaxLifetime(connMaxLifetime)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
	case "postgres", "postgresql":
		driverName = "postgres"
		db, pool, err = newPgxDB(dsn, maxOpenConns, maxIdleConns, connMaxLifetime)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	store, err := NewStoreWithDB(driverName, db)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}
	store.pgxPool = pool
	return store, nil
}

// NewStoreWithDB 在已有的数据库连接上创建存储实例。
// cmd/migrate 等一次性工具通过该入口复用自己打开的连接。
func NewStoreWithDB(driverName string, db *sql.DB) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	switch driverName {
	case "mysql":
		dialector = gormmysql.New(gormmysql.Config{Conn: db})
	case "postgres":
		dialector = gormpostgres.New(gormpostgres.Config{Conn: db})
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driverName)
	}

	gormDB, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{
		db:         db,
		gormDB:     gormDB,
		driverName: driverName,
	}

	// 自动执行数据库迁移
	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.gormDB.AutoMigrate(
		&domain.Domain{},
		&domain.Alias{},
		&domain.ForwardingRule{},
		&domain.Message{},
		&domain.APIKey{},
	)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.pgxPool != nil {
		defer s.pgxPool.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// ========== Domain Repository ==========

// SaveDomain 保存托管域名
func (s *Store) SaveDomain(d *domain.Domain) error {
	d.Name = strings.ToLower(strings.TrimSpace(d.Name))
	err := s.gormDB.Save(d).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrDomainExists
	}
	return err
}

// GetDomain 根据 ID 获取域名
func (s *Store) GetDomain(id string) (*domain.Domain, error) {
	var d domain.Domain
	err := s.gormDB.Where("id = ?", id).First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrDomainNotFound
		}
		return nil, err
	}
	return &d, nil
}

// GetDomainByName 根据域名获取未删除的记录
func (s *Store) GetDomainByName(name string) (*domain.Domain, error) {
	var d domain.Domain
	name = strings.ToLower(strings.TrimSpace(name))
	err := s.gormDB.Where("name = ? AND is_deleted = ?", name, false).First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrDomainNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDomains 返回所有未删除的域名
func (s *Store) ListDomains() ([]*domain.Domain, error) {
	var domains []*domain.Domain
	err := s.gormDB.Where("is_deleted = ?", false).Order("name").Find(&domains).Error
	return domains, err
}

// DeleteDomain 软删除域名
func (s *Store) DeleteDomain(id string) error {
	res := s.gormDB.Model(&domain.Domain{}).Where("id = ?", id).Update("is_deleted", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrDomainNotFound
	}
	return nil
}

// ========== Alias Repository ==========

// SaveAlias 保存转发别名
func (s *Store) SaveAlias(alias *domain.Alias) error {
	alias.LocalPart = strings.ToLower(strings.TrimSpace(alias.LocalPart))

	// (domain_id, local_part) 在未删除的记录中唯一
	var count int64
	err := s.gormDB.Model(&domain.Alias{}).
		Where("domain_id = ? AND local_part = ? AND is_deleted = ? AND id <> ?",
			alias.DomainID, alias.LocalPart, false, alias.ID).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return storage.ErrAliasExists
	}

	return s.gormDB.Save(alias).Error
}

// GetAlias 根据 ID 获取别名
func (s *Store) GetAlias(id string) (*domain.Alias, error) {
	var alias domain.Alias
	err := s.gormDB.Where("id = ?", id).First(&alias).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAliasNotFound
		}
		return nil, err
	}
	return &alias, nil
}

// GetAliasByAddress 按 (域名ID, 本地部分) 查找未删除的别名
func (s *Store) GetAliasByAddress(domainID, localPart string) (*domain.Alias, error) {
	var alias domain.Alias
	localPart = strings.ToLower(strings.TrimSpace(localPart))
	err := s.gormDB.
		Where("domain_id = ? AND local_part = ? AND is_deleted = ?", domainID, localPart, false).
		First(&alias).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAliasNotFound
		}
		return nil, err
	}
	return &alias, nil
}

// ListAliasesByDomainID 返回域名下所有未删除的别名
func (s *Store) ListAliasesByDomainID(domainID string) ([]*domain.Alias, error) {
	var aliases []*domain.Alias
	err := s.gormDB.
		Where("domain_id = ? AND is_deleted = ?", domainID, false).
		Order("local_part").
		Find(&aliases).Error
	return aliases, err
}

// DeleteAlias 软删除别名
func (s *Store) DeleteAlias(id string) error {
	res := s.gormDB.Model(&domain.Alias{}).Where("id = ?", id).Update("is_deleted", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrAliasNotFound
	}
	return nil
}

// PurgeExpiredAliases 物理删除已过期或已软删除的别名及其规则，返回删除数量
func (s *Store) PurgeExpiredAliases(before time.Time) (int, error) {
	var purged int
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&domain.Alias{}).
			Where("(expires_at IS NOT NULL AND expires_at < ?) OR is_deleted = ?", before, true).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Where("alias_id IN ?", ids).Delete(&domain.ForwardingRule{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", ids).Delete(&domain.Alias{}).Error; err != nil {
			return err
		}
		purged = len(ids)
		return nil
	})
	return purged, err
}

// ========== Rule Repository ==========

// SaveRule 保存转发规则
func (s *Store) SaveRule(rule *domain.ForwardingRule) error {
	return s.gormDB.Save(rule).Error
}

// GetRule 根据 ID 获取规则
func (s *Store) GetRule(id string) (*domain.ForwardingRule, error) {
	var rule domain.ForwardingRule
	err := s.gormDB.Where("id = ?", id).First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}

// ListActiveRulesByAliasID 返回别名下启用的规则，按优先级升序
func (s *Store) ListActiveRulesByAliasID(aliasID string) ([]*domain.ForwardingRule, error) {
	var rules []*domain.ForwardingRule
	err := s.gormDB.
		Where("alias_id = ? AND is_active = ?", aliasID, true).
		Order("priority ASC, created_at ASC").
		Find(&rules).Error
	return rules, err
}

// ListRulesByAliasID 返回别名下全部规则，按优先级升序
func (s *Store) ListRulesByAliasID(aliasID string) ([]*domain.ForwardingRule, error) {
	var rules []*domain.ForwardingRule
	err := s.gormDB.
		Where("alias_id = ?", aliasID).
		Order("priority ASC, created_at ASC").
		Find(&rules).Error
	return rules, err
}

// DeleteRule 删除规则
func (s *Store) DeleteRule(id string) error {
	res := s.gormDB.Where("id = ?", id).Delete(&domain.ForwardingRule{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrRuleNotFound
	}
	return nil
}

// IncrementRuleMatchCount 规则命中计数加一
func (s *Store) IncrementRuleMatchCount(id string) error {
	res := s.gormDB.Model(&domain.ForwardingRule{}).
		Where("id = ?", id).
		UpdateColumn("match_count", gorm.Expr("match_count + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrRuleNotFound
	}
	return nil
}

// ========== Message Repository ==========

// SaveMessage 保存投递记录
func (s *Store) SaveMessage(message *domain.Message) error {
	return s.gormDB.Save(message).Error
}

// GetMessage 根据 ID 获取投递记录
func (s *Store) GetMessage(id string) (*domain.Message, error) {
	var message domain.Message
	err := s.gormDB.Where("id = ?", id).First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// UpdateMessageStatus 更新投递状态与错误信息
func (s *Store) UpdateMessageStatus(id string, status domain.MessageStatus, errorMessage string) error {
	res := s.gormDB.Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errorMessage,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrMessageNotFound
	}
	return nil
}

// ListMessages 按条件分页查询投递记录
func (s *Store) ListMessages(filter domain.MessageFilter) (*domain.MessageList, error) {
	filter.Normalize()

	q := s.gormDB.Model(&domain.Message{})
	if filter.DomainID != "" {
		q = q.Where("domain_id = ?", filter.DomainID)
	}
	if filter.Status != nil {
		q = q.Where("status = ?", *filter.Status)
	}
	if filter.Sender != "" {
		q = q.Where("sender_email LIKE ?", "%"+strings.ToLower(filter.Sender)+"%")
	}
	if filter.Recipient != "" {
		q = q.Where("recipient_email LIKE ?", "%"+strings.ToLower(filter.Recipient)+"%")
	}
	if filter.StartDate != nil {
		q = q.Where("created_at >= ?", *filter.StartDate)
	}
	if filter.EndDate != nil {
		q = q.Where("created_at <= ?", *filter.EndDate)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, err
	}

	var messages []domain.Message
	err := q.Order("created_at DESC").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	return &domain.MessageList{
		Messages:   messages,
		Total:      int(total),
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalPages: (int(total) + filter.PageSize - 1) / filter.PageSize,
	}, nil
}

// GetDeliveryStatistics 汇总投递统计信息
func (s *Store) GetDeliveryStatistics() (*domain.DeliveryStatistics, error) {
	stats := &domain.DeliveryStatistics{
		MessagesByStatus: make(map[domain.MessageStatus]int),
		MessagesByDomain: make(map[string]int),
		GeneratedAt:      time.Now(),
	}

	var totalDomains, totalAliases, totalMessages, messagesToday int64
	if err := s.gormDB.Model(&domain.Domain{}).Where("is_deleted = ?", false).Count(&totalDomains).Error; err != nil {
		return nil, err
	}
	if err := s.gormDB.Model(&domain.Alias{}).Where("is_deleted = ?", false).Count(&totalAliases).Error; err != nil {
		return nil, err
	}
	if err := s.gormDB.Model(&domain.Message{}).Count(&totalMessages).Error; err != nil {
		return nil, err
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if err := s.gormDB.Model(&domain.Message{}).Where("created_at >= ?", today).Count(&messagesToday).Error; err != nil {
		return nil, err
	}

	var byStatus []struct {
		Status string
		Count  int
	}
	err := s.gormDB.Model(&domain.Message{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&byStatus).Error
	if err != nil {
		return nil, err
	}
	for _, row := range byStatus {
		stats.MessagesByStatus[domain.MessageStatus(row.Status)] = row.Count
	}

	var byDomain []struct {
		Name  string
		Count int
	}
	err = s.gormDB.Model(&domain.Message{}).
		Select("domains.name as name, count(*) as count").
		Joins("JOIN domains ON domains.id = messages.domain_id").
		Group("domains.name").
		Scan(&byDomain).Error
	if err != nil {
		return nil, err
	}
	for _, row := range byDomain {
		stats.MessagesByDomain[row.Name] = row.Count
	}

	stats.TotalDomains = int(totalDomains)
	stats.TotalAliases = int(totalAliases)
	stats.TotalMessages = int(totalMessages)
	stats.MessagesToday = int(messagesToday)
	return stats, nil
}

// SweepStaleProcessing 将卡在 PROCESSING 的记录改为 FAILED，返回处理数量
func (s *Store) SweepStaleProcessing(before time.Time) (int, error) {
	res := s.gormDB.Model(&domain.Message{}).
		Where("status = ? AND updated_at < ?", domain.StatusProcessing, before).
		Updates(map[string]interface{}{
			"status":        domain.StatusFailed,
			"error_message": "delivery interrupted by restart",
		})
	return int(res.RowsAffected), res.Error
}

// ========== API Key Repository ==========

// SaveAPIKey 保存 API 密钥
func (s *Store) SaveAPIKey(key *domain.APIKey) error {
	return s.gormDB.Save(key).Error
}

// GetAPIKey 根据 ID 获取 API 密钥
func (s *Store) GetAPIKey(id string) (*domain.APIKey, error) {
	var key domain.APIKey
	err := s.gormDB.Where("id = ?", id).First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAPIKeyNotFound
		}
		return nil, err
	}
	return &key, nil
}

// ListAPIKeys 返回全部 API 密钥
func (s *Store) ListAPIKeys() ([]*domain.APIKey, error) {
	var keys []*domain.APIKey
	err := s.gormDB.Order("created_at").Find(&keys).Error
	return keys, err
}

// DeleteAPIKey 删除 API 密钥
func (s *Store) DeleteAPIKey(id string) error {
	res := s.gormDB.Where("id = ?", id).Delete(&domain.APIKey{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrAPIKeyNotFound
	}
	return nil
}

// UpdateAPIKeyLastUsed 更新密钥最后使用时间
func (s *Store) UpdateAPIKeyLastUsed(id string) error {
	return s.gormDB.Model(&domain.APIKey{}).
		Where("id = ?", id).
		Update("last_used_at", time.Now()).Error
}
