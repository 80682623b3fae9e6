package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/neomello/FlowCloser-EVOLUTION/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Instance{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Instance helpers

func CreateInstance(inst *Instance) error {
	return DB.Create(inst).Error
}

// IsDuplicate reports whether err is a unique-constraint violation, the
// schema-level backstop for racing inserts with the same name or token.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func GetInstanceByName(name string) (*Instance, error) {
	var inst Instance
	if err := DB.Where("name = ?", name).First(&inst).Error; err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetInstanceByToken returns the instance whose token equals the presented
// secret, or nil when no such instance exists.
func GetInstanceByToken(token string) (*Instance, error) {
	if token == "" {
		return nil, nil
	}
	var inst Instance
	err := DB.Where("token = ?", token).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// InstanceNameTaken reports whether an instance with the given name exists.
// Unlike GetInstanceByName it separates "no such row" from a failed query.
func InstanceNameTaken(name string) (bool, error) {
	var count int64
	if err := DB.Model(&Instance{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// TokenInUse reports whether any instance already holds the given non-empty
// token. Used to reject duplicate tokens before an instance becomes visible.
func TokenInUse(token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	var count int64
	if err := DB.Model(&Instance{}).Where("token = ?", token).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

type InstanceFilter struct {
	Name string
	ID   string
}

func ListInstances(f InstanceFilter) ([]Instance, error) {
	query := DB.Order("created_at ASC")
	if f.Name != "" {
		query = query.Where("name = ?", f.Name)
	}
	if f.ID != "" {
		query = query.Where("id = ?", f.ID)
	}
	var instances []Instance
	if err := query.Find(&instances).Error; err != nil {
		return nil, err
	}
	return instances, nil
}

func UpdateInstanceStatus(name, status string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if status == "close" {
		now := time.Now().UTC()
		updates["disconnected_at"] = &now
	} else if status == "open" {
		updates["disconnected_at"] = nil
	}
	return DB.Model(&Instance{}).Where("name = ?", name).Updates(updates).Error
}

func DeleteInstanceByName(name string) error {
	return DB.Where("name = ?", name).Delete(&Instance{}).Error
}

// StaleInstances returns instances that have been disconnected for longer
// than maxAge. Rows that never reached open have no disconnection
// timestamp, so age falls back to the last update; that catches sessions
// stuck in connecting since creation. Fed to the janitor.
func StaleInstances(maxAge time.Duration) ([]Instance, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	var instances []Instance
	err := DB.Where("status IN ? AND COALESCE(disconnected_at, updated_at) < ?", []string{"close", "connecting"}, cutoff).
		Find(&instances).Error
	if err != nil {
		return nil, err
	}
	return instances, nil
}
