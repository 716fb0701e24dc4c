package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type GormStorage struct {
	db     *gorm.DB
	driver string
}

func NewGormStorage(driver, dsn string) (*GormStorage, error) {
	var gormDialector gorm.Dialector
	switch driver {
	case "postgres":
		gormDialector = postgres.Open(dsn)
	case "sqlite":
		gormDialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := gorm.Open(gormDialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	return &GormStorage{db: db, driver: driver}, nil
}

func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&CacheLine{}, &PlantBinding{})
}

func (s *GormStorage) Load(ctx context.Context) (*State, error) {
	var lines []CacheLine
	if err := s.db.WithContext(ctx).Find(&lines).Error; err != nil {
		return nil, &PersistenceError{Op: "load", Target: s.driver, Err: err}
	}
	var bindings []PlantBinding
	if err := s.db.WithContext(ctx).Find(&bindings).Error; err != nil {
		return nil, &PersistenceError{Op: "load", Target: s.driver, Err: err}
	}

	st := NewState()
	for _, l := range lines {
		st.Cache[l.Key] = json.RawMessage(l.Value)
		st.CacheTS[l.Key] = l.StoredAt
	}
	for _, b := range bindings {
		st.PlantIDsByName[b.Name] = b.PlantID
	}
	return st, nil
}

// Save replaces both tables inside one transaction.
func (s *GormStorage) Save(ctx context.Context, st State) error {
	lines := make([]CacheLine, 0, len(st.Cache))
	for key, value := range st.Cache {
		lines = append(lines, CacheLine{Key: key, Value: string(value), StoredAt: st.CacheTS[key]})
	}
	bindings := make([]PlantBinding, 0, len(st.PlantIDsByName))
	for name, id := range st.PlantIDsByName {
		bindings = append(bindings, PlantBinding{Name: name, PlantID: id})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&CacheLine{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&PlantBinding{}).Error; err != nil {
			return err
		}
		if len(lines) > 0 {
			if err := tx.Create(&lines).Error; err != nil {
				return err
			}
		}
		if len(bindings) > 0 {
			if err := tx.Create(&bindings).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{Op: "save", Target: s.driver, Err: err}
	}
	return nil
}

func (s *GormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
