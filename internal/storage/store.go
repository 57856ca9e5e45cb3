// Package storage owns the durable records behind the relay: accounts,
// levels, and inventories. The relay only ever sees the Store interface so
// its coordination logic can be tested against a lightweight database.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = errors.New("record not found")

// Store is the capability interface handed to the relay and console. Each
// call is individually atomic; no multi-call transactions are provided.
type Store interface {
	FindAccountByUsername(ctx context.Context, username string) (*Account, error)
	CreateAccount(ctx context.Context, account *Account) error
	UpdateAccount(ctx context.Context, account *Account) error
	ListAccounts(ctx context.Context) ([]*Account, error)

	ListCampaignLevels(ctx context.Context) ([]*Level, error)
	FindLevelBySlug(ctx context.Context, slug string) (*Level, error)
	CreateLevel(ctx context.Context, level *Level) error

	AddInventoryItem(ctx context.Context, item *InventoryItem) error
	ListInventory(ctx context.Context, owner string) ([]*InventoryItem, error)

	Close() error
}
