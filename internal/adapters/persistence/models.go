package persistence

import (
	"time"
)

// CharacterModel represents the characters table
type CharacterModel struct {
	ID            string     `gorm:"column:id;primaryKey"`
	Name          string     `gorm:"column:name;unique;not null"`
	CorporationID string     `gorm:"column:corporation_id"`
	Sector        int        `gorm:"column:sector;not null;default:1"`
	Credits       int        `gorm:"column:credits;not null;default:0"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null;autoCreateTime"`
	LastActive    *time.Time `gorm:"column:last_active"`
}

func (CharacterModel) TableName() string {
	return "characters"
}

// ShipModel represents the ships table, one row per character
type ShipModel struct {
	CharacterID  string          `gorm:"column:character_id;primaryKey"`
	Character    *CharacterModel `gorm:"foreignKey:CharacterID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Name         string          `gorm:"column:name;not null"`
	Fighters     int             `gorm:"column:fighters;not null;default:0"`
	Shields      int             `gorm:"column:shields;not null;default:0"`
	MaxFighters  int             `gorm:"column:max_fighters;not null;default:0"`
	MaxShields   int             `gorm:"column:max_shields;not null;default:0"`
	TurnsPerWarp int             `gorm:"column:turns_per_warp;not null;default:3"`
	IsEscapePod  bool            `gorm:"column:is_escape_pod;not null;default:false"`
	Cargo        string          `gorm:"column:cargo;type:text"` // commodity->units JSON
	ScrapValue   int             `gorm:"column:scrap_value;not null;default:0"`
	UpdatedAt    time.Time       `gorm:"column:updated_at;not null;autoUpdateTime"`
}

func (ShipModel) TableName() string {
	return "ships"
}
