package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/glebarez/sqlite"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const defaultSQLitePath = "chat.db"

// recordRow is the SQL shape of a Record. Seq is the insertion order used to
// break CreatedAt ties.
type recordRow struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement"`
	RecordID  string    `gorm:"column:record_id;type:varchar(26);uniqueIndex;not null"`
	Sender    string    `gorm:"type:varchar(64);index;not null"`
	Recipient *string   `gorm:"type:varchar(64);index"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index;not null"`
}

func (recordRow) TableName() string { return "chat_records" }

func toRow(rec Record) recordRow {
	row := recordRow{
		RecordID:  rec.ID,
		Sender:    rec.Sender,
		Content:   rec.Content,
		CreatedAt: rec.CreatedAt,
	}
	if rec.Recipient != "" {
		to := rec.Recipient
		row.Recipient = &to
	}
	return row
}

func (r recordRow) record() Record {
	rec := Record{
		ID:        r.RecordID,
		Sender:    r.Sender,
		Content:   r.Content,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.Recipient != nil {
		rec.Recipient = *r.Recipient
	}
	return rec
}

// GormStore stores records in a SQL database through gorm.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore wraps an open connection and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&recordRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate chat_records: %w", err)
	}
	return &GormStore{db: db, now: time.Now}, nil
}

// OpenGorm connects to the sqlite, postgres or mysql database named by cfg.
// MySQL DSNs need parseTime=true.
func OpenGorm(cfg config.StoreConfig, logger zerolog.Logger) (*GormStore, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		// database/sql with lib/pq rather than the bundled pgx pool.
		dialector = postgres.New(postgres.Config{
			DriverName: "postgres",
			DSN:        cfg.DSN,
		})
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.Driver == "sqlite" {
		// SQLite allows one writer at a time.
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return NewGormStore(db)
}

func (s *GormStore) Append(ctx context.Context, rec Record) (Record, error) {
	rec = prepare(rec, s.now())
	row := toRow(rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Record{}, fmt.Errorf("failed to insert record: %w", err)
	}
	return rec, nil
}

func (s *GormStore) QueryVisibleTo(ctx context.Context, username string) ([]Record, error) {
	var rows []recordRow
	err := s.db.WithContext(ctx).
		Where("recipient IS NULL OR recipient = ? OR sender = ?", username, username).
		Order("created_at ASC").
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

func (s *GormStore) DeleteAll(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&recordRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// gormLogWriter routes gorm's printf-style output into zerolog.
type gormLogWriter struct {
	logger zerolog.Logger
}

func (w gormLogWriter) Printf(format string, args ...interface{}) {
	w.logger.Warn().Msgf(format, args...)
}

func newGormLogger(logger zerolog.Logger) gormlogger.Interface {
	return gormlogger.New(gormLogWriter{logger: logger.With().Str("component", "gorm").Logger()}, gormlogger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}
