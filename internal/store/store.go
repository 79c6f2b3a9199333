package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/oronico/lanternprototype-sub000/internal/attribution"
	"github.com/oronico/lanternprototype-sub000/internal/config"
	"github.com/oronico/lanternprototype-sub000/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func InitDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	gormLogger := logger.Default
	if !cfg.LogMode {
		gormLogger = gormLogger.LogMode(logger.Silent)
	}

	d, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := AutoMigrate(d); err != nil {
		return nil, err
	}
	return d, nil
}

func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Payment{},
		&models.Allocation{},
		&models.Enrollment{},
		&models.LedgerEntry{},
		&models.AttributionAudit{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Store is the gorm-backed payment repository and enrollment ledger.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	return getPayment(s.db.WithContext(ctx), id)
}

// Transaction runs fn inside one database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx attribution.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Tx{db: tx})
	})
}

func getPayment(db *gorm.DB, id string) (*models.Payment, error) {
	var p models.Payment
	err := db.Preload("Allocations", func(db *gorm.DB) *gorm.DB {
		return db.Order("position asc")
	}).First(&p, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", attribution.ErrPaymentNotFound, id)
		}
		return nil, err
	}
	return &p, nil
}
