package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// OpenPostgres opens a GORM connection against dsn using the pgx-backed
// Postgres driver. Callers pass the resulting *gorm.DB to NewPostgres once
// per entity kind.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
}

func onConflictUpdate() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}
}

// record is the single-table-per-entity-kind row shape: an opaque ID, a
// JSONB payload, and bookkeeping timestamps. One table is created per
// Postgres[T] instance (via TableName), grounded on the teacher's
// db/postgres.go GORM model conventions.
type record struct {
	ID        string `gorm:"primaryKey"`
	Payload   []byte `gorm:"type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Postgres is a GORM-backed Repository[T]. Nested structures (chunk lists,
// step lists, metrics bags) round-trip through the Payload JSONB column
// rather than being normalized into columns, matching the teacher's
// preference for JSONB blobs over deep relational modeling for
// infrequently-queried nested state.
type Postgres[T any] struct {
	db        *gorm.DB
	tableName string
}

// NewPostgres constructs a Postgres[T] bound to tableName and auto-migrates
// its backing table.
func NewPostgres[T any](db *gorm.DB, tableName string) (*Postgres[T], error) {
	p := &Postgres[T]{db: db, tableName: tableName}
	if err := db.Table(tableName).AutoMigrate(&record{}); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres[T]) table() *gorm.DB {
	return p.db.Table(p.tableName)
}

func (p *Postgres[T]) Load(ctx context.Context, id string) (T, bool, error) {
	var zero T
	var rec record
	err := p.table().WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	var value T
	if err := json.Unmarshal(rec.Payload, &value); err != nil {
		return zero, false, err
	}
	return value, true, nil
}

func (p *Postgres[T]) Store(ctx context.Context, id string, value T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	rec := record{ID: id, Payload: payload, UpdatedAt: time.Now().UTC()}
	return p.table().WithContext(ctx).
		Clauses(onConflictUpdate()).
		Create(&rec).Error
}

func (p *Postgres[T]) Delete(ctx context.Context, id string) error {
	return p.table().WithContext(ctx).Where("id = ?", id).Delete(&record{}).Error
}

// Query loads every row and filters in-process, since the JSONB payload
// isn't indexed per-field; callers needing indexed lookups should add a
// dedicated column and a narrower query method on top of this type.
func (p *Postgres[T]) Query(ctx context.Context, filter Filter) ([]T, error) {
	var recs []record
	if err := p.table().WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}

	var out []T
	for _, rec := range recs {
		var value T
		if err := json.Unmarshal(rec.Payload, &value); err != nil {
			return nil, err
		}
		if matches(value, filter) {
			out = append(out, value)
		}
	}
	return out, nil
}
