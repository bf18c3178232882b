package authstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailbot.local/orchestrator/internal/db"
)

// DefaultStateTTL bounds how long an OAuth consent round-trip may take.
const DefaultStateTTL = 10 * time.Minute

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrStateNotFound = errors.New("state not found")
)

type TokenRecord struct {
	UserID       string
	Provider     string
	RefreshToken string
	AccessToken  string
	ExpiresAt    *time.Time
	Scopes       []string
	UpdatedAt    time.Time
}

type tokenRow struct {
	UserID       string `gorm:"primaryKey;size:191"`
	Provider     string `gorm:"primaryKey;size:191"`
	RefreshToken string `gorm:"not null"`
	AccessToken  string
	ExpiresAt    *time.Time
	Scopes       string
	UpdatedAt    time.Time `gorm:"not null"`
}

func (tokenRow) TableName() string { return "oauth_tokens" }

type stateRow struct {
	State     string    `gorm:"primaryKey;size:191"`
	UserID    string    `gorm:"size:191;not null"`
	Provider  string    `gorm:"size:191;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (stateRow) TableName() string { return "oauth_state" }

// Store persists OAuth tokens and consent-flow CSRF states.
type Store struct {
	db *gorm.DB
}

func NewStore(driver, dsn string) (*Store, error) {
	gormDB, err := db.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open auth store: %w", err)
	}
	store := &Store{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(&tokenRow{}, &stateRow{})
}

func (s *Store) HasToken(ctx context.Context, userID, provider string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&tokenRow{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count tokens: %w", err)
	}
	return count > 0, nil
}

func (s *Store) Token(ctx context.Context, userID, provider string) (TokenRecord, error) {
	var row tokenRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TokenRecord{}, ErrTokenNotFound
		}
		return TokenRecord{}, fmt.Errorf("get token: %w", err)
	}
	return row.toRecord(), nil
}

func (s *Store) UpsertToken(ctx context.Context, record TokenRecord) error {
	row, err := rowFromRecord(record)
	if err != nil {
		return err
	}
	row.UpdatedAt = time.Now().UTC()

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"refresh_token", "access_token", "expires_at", "scopes", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

func (s *Store) DeleteToken(ctx context.Context, userID, provider string) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&tokenRow{}).Error
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

func (s *Store) SaveState(ctx context.Context, state, userID, provider string) error {
	row := stateRow{
		State:     state,
		UserID:    userID,
		Provider:  provider,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// ConsumeState validates and deletes a stored state token, pruning expired
// entries along the way. Returns the user id the state was issued for.
func (s *Store) ConsumeState(ctx context.Context, state, provider string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	cutoff := time.Now().UTC().Add(-ttl)

	var userID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("created_at < ?", cutoff).Delete(&stateRow{}).Error; err != nil {
			return fmt.Errorf("prune states: %w", err)
		}

		var row stateRow
		err := tx.Where("state = ? AND provider = ?", state, provider).Take(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrStateNotFound
			}
			return fmt.Errorf("get state: %w", err)
		}

		if err := tx.Where("state = ?", state).Delete(&stateRow{}).Error; err != nil {
			return fmt.Errorf("delete state: %w", err)
		}
		userID = row.UserID
		return nil
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

func (r tokenRow) toRecord() TokenRecord {
	record := TokenRecord{
		UserID:       r.UserID,
		Provider:     r.Provider,
		RefreshToken: r.RefreshToken,
		AccessToken:  r.AccessToken,
		ExpiresAt:    r.ExpiresAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.Scopes != "" {
		_ = json.Unmarshal([]byte(r.Scopes), &record.Scopes)
	}
	return record
}

func rowFromRecord(record TokenRecord) (tokenRow, error) {
	scopes := ""
	if len(record.Scopes) > 0 {
		encoded, err := json.Marshal(record.Scopes)
		if err != nil {
			return tokenRow{}, fmt.Errorf("marshal scopes: %w", err)
		}
		scopes = string(encoded)
	}
	return tokenRow{
		UserID:       record.UserID,
		Provider:     record.Provider,
		RefreshToken: record.RefreshToken,
		AccessToken:  record.AccessToken,
		ExpiresAt:    record.ExpiresAt,
		Scopes:       scopes,
	}, nil
}
