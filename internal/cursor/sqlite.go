package cursor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record is the persisted watermark row.
type Record struct {
	Key              string `gorm:"column:key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:value;size:64;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "realtime_cursors"
}

// SQLStore persists watermarks in the agent's embedded relational store.
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLStore wraps an open gorm handle. The realtime_cursors table must be
// migrated by the database package.
func NewSQLStore(db *gorm.DB, clock func() time.Time) *SQLStore {
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{db: db, clock: clock}
}

// Load returns the persisted watermark for the channel.
func (s *SQLStore) Load(ctx context.Context, channel string) (time.Time, bool, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("key = ?", Key(channel)).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	mark, err := time.Parse(time.RFC3339Nano, record.Value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cursor: corrupt watermark for %s: %w", channel, err)
	}
	return mark, true, nil
}

// Save upserts the watermark for the channel.
func (s *SQLStore) Save(ctx context.Context, channel string, mark time.Time) error {
	record := Record{
		Key:              Key(channel),
		Value:            mark.UTC().Format(time.RFC3339Nano),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_s"}),
		}).
		Create(&record).Error
}
