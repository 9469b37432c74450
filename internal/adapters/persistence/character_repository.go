package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
	"github.com/rvelazquez/sectorwars-go/internal/domain/world"
)

// GormCharacterRepository persists characters and their ships using GORM
type GormCharacterRepository struct {
	db *gorm.DB
}

// NewGormCharacterRepository creates a new GORM character repository
func NewGormCharacterRepository(db *gorm.DB) *GormCharacterRepository {
	return &GormCharacterRepository{db: db}
}

// FindByID retrieves a character by ID
func (r *GormCharacterRepository) FindByID(ctx context.Context, characterID string) (*world.Character, error) {
	var model CharacterModel
	result := r.db.WithContext(ctx).Where("id = ?", characterID).First(&model)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, shared.NewNotFoundError("character", characterID)
		}
		return nil, fmt.Errorf("failed to find character: %w", result.Error)
	}
	return modelToCharacter(&model), nil
}

// ListInSector retrieves every character currently in a sector
func (r *GormCharacterRepository) ListInSector(ctx context.Context, sector int) ([]*world.Character, error) {
	var models []CharacterModel
	result := r.db.WithContext(ctx).Where("sector = ?", sector).Find(&models)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list characters in sector %d: %w", sector, result.Error)
	}
	characters := make([]*world.Character, 0, len(models))
	for i := range models {
		characters = append(characters, modelToCharacter(&models[i]))
	}
	return characters, nil
}

// Save upserts a character
func (r *GormCharacterRepository) Save(ctx context.Context, character *world.Character) error {
	model := characterToModel(character)
	if result := r.db.WithContext(ctx).Save(model); result.Error != nil {
		return fmt.Errorf("failed to save character: %w", result.Error)
	}
	return nil
}

// FindShip retrieves a character's ship
func (r *GormCharacterRepository) FindShip(ctx context.Context, characterID string) (*world.Ship, error) {
	var model ShipModel
	result := r.db.WithContext(ctx).Where("character_id = ?", characterID).First(&model)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, shared.NewNotFoundError("ship", characterID)
		}
		return nil, fmt.Errorf("failed to find ship: %w", result.Error)
	}
	return modelToShip(&model)
}

// SaveShip upserts a character's ship
func (r *GormCharacterRepository) SaveShip(ctx context.Context, ship *world.Ship) error {
	model, err := shipToModel(ship)
	if err != nil {
		return err
	}
	if result := r.db.WithContext(ctx).Save(model); result.Error != nil {
		return fmt.Errorf("failed to save ship: %w", result.Error)
	}
	return nil
}

// CorporationMap returns character id -> corporation id for every character
// that belongs to one. Used by the garrison AI ally filter.
func (r *GormCharacterRepository) CorporationMap(ctx context.Context) (map[string]string, error) {
	var models []CharacterModel
	result := r.db.WithContext(ctx).Where("corporation_id <> ''").Find(&models)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load corporation map: %w", result.Error)
	}
	corps := make(map[string]string, len(models))
	for i := range models {
		corps[models[i].ID] = models[i].CorporationID
	}
	return corps, nil
}

func modelToCharacter(model *CharacterModel) *world.Character {
	return &world.Character{
		ID:            model.ID,
		Name:          model.Name,
		CorporationID: model.CorporationID,
		Sector:        model.Sector,
		Credits:       model.Credits,
	}
}

func characterToModel(character *world.Character) *CharacterModel {
	return &CharacterModel{
		ID:            character.ID,
		Name:          character.Name,
		CorporationID: character.CorporationID,
		Sector:        character.Sector,
		Credits:       character.Credits,
	}
}

func modelToShip(model *ShipModel) (*world.Ship, error) {
	cargo := shared.Cargo{}
	if model.Cargo != "" {
		var raw map[string]int
		if err := json.Unmarshal([]byte(model.Cargo), &raw); err != nil {
			return nil, fmt.Errorf("invalid cargo manifest for ship %s: %w", model.CharacterID, err)
		}
		parsed, err := shared.NewCargo(raw)
		if err != nil {
			return nil, err
		}
		cargo = parsed
	}
	return &world.Ship{
		CharacterID:  model.CharacterID,
		Name:         model.Name,
		Fighters:     model.Fighters,
		Shields:      model.Shields,
		MaxFighters:  model.MaxFighters,
		MaxShields:   model.MaxShields,
		TurnsPerWarp: model.TurnsPerWarp,
		IsEscapePod:  model.IsEscapePod,
		Cargo:        cargo,
		ScrapValue:   model.ScrapValue,
	}, nil
}

func shipToModel(ship *world.Ship) (*ShipModel, error) {
	cargoJSON := "{}"
	if ship.Cargo != nil {
		bytes, err := json.Marshal(map[string]int(ship.Cargo))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal cargo manifest: %w", err)
		}
		cargoJSON = string(bytes)
	}
	return &ShipModel{
		CharacterID:  ship.CharacterID,
		Name:         ship.Name,
		Fighters:     ship.Fighters,
		Shields:      ship.Shields,
		MaxFighters:  ship.MaxFighters,
		MaxShields:   ship.MaxShields,
		TurnsPerWarp: ship.TurnsPerWarp,
		IsEscapePod:  ship.IsEscapePod,
		Cargo:        cargoJSON,
		ScrapValue:   ship.ScrapValue,
	}, nil
}
