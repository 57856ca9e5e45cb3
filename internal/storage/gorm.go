package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// gormStore implements Store on top of a gorm database handle.
type gormStore struct {
	db *gorm.DB
}

// Open connects to the Postgres instance described by dataSource and runs
// the schema migrations.
func Open(dataSource string, debug bool) (Store, error) {
	// By default only log errors but enable full SQL query prints-to-console
	// with debug mode.
	log := logger.Default.LogMode(logger.Error)
	if debug {
		log = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(postgres.Open(dataSource), &gorm.Config{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	return NewWithDB(db)
}

// NewWithDB wraps an existing gorm handle, running migrations first. Tests
// use this with a SQLite handle.
func NewWithDB(db *gorm.DB) (Store, error) {
	if err := db.AutoMigrate(&Account{}, &Level{}, &InventoryItem{}); err != nil {
		return nil, fmt.Errorf("error auto migrating db: %w", err)
	}
	return &gormStore{db: db}, nil
}

func (s *gormStore) FindAccountByUsername(ctx context.Context, username string) (*Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (s *gormStore) CreateAccount(ctx context.Context, account *Account) error {
	return s.db.WithContext(ctx).Create(account).Error
}

func (s *gormStore) UpdateAccount(ctx context.Context, account *Account) error {
	return s.db.WithContext(ctx).Save(account).Error
}

func (s *gormStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	var accounts []*Account
	if err := s.db.WithContext(ctx).Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (s *gormStore) ListCampaignLevels(ctx context.Context) ([]*Level, error) {
	var levels []*Level
	if err := s.db.WithContext(ctx).Where("campaign = ?", true).Order("id").Find(&levels).Error; err != nil {
		return nil, err
	}
	for _, level := range levels {
		if err := decompressPayload(level); err != nil {
			return nil, err
		}
	}
	return levels, nil
}

func (s *gormStore) FindLevelBySlug(ctx context.Context, slug string) (*Level, error) {
	var level Level
	err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&level).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := decompressPayload(&level); err != nil {
		return nil, err
	}
	return &level, nil
}

func (s *gormStore) CreateLevel(ctx context.Context, level *Level) error {
	stored := *level
	stored.Payload = snappy.Encode(nil, level.Payload)
	if err := s.db.WithContext(ctx).Create(&stored).Error; err != nil {
		return err
	}
	level.ID = stored.ID
	return nil
}

func (s *gormStore) AddInventoryItem(ctx context.Context, item *InventoryItem) error {
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *gormStore) ListInventory(ctx context.Context, owner string) ([]*InventoryItem, error) {
	var items []*InventoryItem
	if err := s.db.WithContext(ctx).Where("owner = ?", owner).Order("id").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *gormStore) Close() error {
	database, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("error while getting current connection: %w", err)
	}
	if err := database.Close(); err != nil {
		return fmt.Errorf("error while closing database connection: %w", err)
	}
	return nil
}

// Level payloads are stored snappy-compressed; Store callers always see
// the decoded stage data.
func decompressPayload(level *Level) error {
	if len(level.Payload) == 0 {
		return nil
	}
	decoded, err := snappy.Decode(nil, level.Payload)
	if err != nil {
		return fmt.Errorf("error decompressing payload for level %s: %w", level.Slug, err)
	}
	level.Payload = decoded
	return nil
}
