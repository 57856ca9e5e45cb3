package storage

import "time"

// Account contains the login information and durable profile for each
// registered user.
type Account struct {
	ID               uint64 `gorm:"primaryKey"`
	Username         string `gorm:"unique; not null"`
	Password         string `gorm:"not null"`
	Rank             int    `gorm:"default:0"`
	Banned           bool   `gorm:"default:false"`
	RegistrationDate time.Time
	// Opaque aggregated weapon-load payload maintained by the client-facing
	// equipment flow. The relay forwards it verbatim on game room joins.
	WeaponCache []byte
}

// Level is one campaign or uploaded level. Payload holds the stage data blob,
// snappy-compressed at rest.
type Level struct {
	ID          uint64 `gorm:"primaryKey"`
	Slug        string `gorm:"unique; not null"`
	DisplayName string `gorm:"not null"`
	Author      string
	Campaign    bool `gorm:"default:false"`
	Payload     []byte
	CreatedAt   time.Time
}

// InventoryItem is a single owned item, such as a piece of raid loot.
type InventoryItem struct {
	ID        uint64 `gorm:"primaryKey"`
	Owner     string `gorm:"index; not null"`
	Slot      string `gorm:"not null"`
	Name      string `gorm:"not null"`
	// Serialized stat rolls and abilities; the relay treats this as opaque.
	Detail    []byte
	Origin    string
	CreatedAt time.Time
}
