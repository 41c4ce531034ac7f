package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Berailitz/bupt-messager/internal/notice"
)

// Store implements notice.Store on a PostgreSQL database.
type Store struct {
	db     *gorm.DB
	clock  notice.Clock
	logger *zap.Logger
}

// New opens the database, migrates the schema and returns a Store.
func New(dsn string, clock notice.Clock, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: open database: %w", err)
	}
	if err := db.AutoMigrate(&Notification{}, &Attachment{}, &Status{}); err != nil {
		return nil, fmt.Errorf("postgres: migrate schema: %w", err)
	}
	return &Store{db: db, clock: clock, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("postgres: unwrap pool: %w", err)
	}
	return sqlDB.Close()
}

// IsNewNotice reports whether id is unknown to the store.
func (s *Store) IsNewNotice(ctx context.Context, id string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("id = ?", id).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("postgres: check notice %q: %w", id, err)
	}
	return count == 0, nil
}

// InsertNotice persists a draft and its attachments in one transaction and
// returns the stored notice.
func (s *Store) InsertNotice(ctx context.Context, draft notice.Draft) (*notice.Notice, error) {
	row := Notification{
		ID:      draft.ID,
		Title:   draft.Title,
		Author:  draft.Author,
		Text:    draft.HTML,
		Summary: draft.Summary,
		URL:     draft.URL,
		Time:    draft.CreatedAt,
	}
	for _, a := range draft.Attachments {
		row.Attachments = append(row.Attachments, Attachment{
			NoticeID: draft.ID,
			Name:     a.Name,
			URL:      a.URL,
		})
	}
	s.logger.Info("inserting notice",
		zap.String("id", draft.ID),
		zap.String("title", draft.Title),
		zap.Int("attachments", len(row.Attachments)),
	)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("postgres: insert notice %q: %w", draft.ID, err)
	}

	var stored Notification
	err := s.db.WithContext(ctx).
		Preload("Attachments").
		First(&stored, "id = ?", draft.ID).Error
	if err != nil {
		return nil, fmt.Errorf("postgres: reload notice %q: %w", draft.ID, err)
	}
	n := toNotice(&stored)
	return &n, nil
}

// InsertStatus appends one cycle-outcome row.
func (s *Store) InsertStatus(ctx context.Context, code notice.StatusCode) error {
	row := Status{Status: int(code), Time: s.clock.Now()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("postgres: insert status %v: %w", code, err)
	}
	return nil
}

// GetUnpushedNotices returns notices not yet broadcast, oldest first.
func (s *Store) GetUnpushedNotices(ctx context.Context) ([]notice.Notice, error) {
	var rows []Notification
	err := s.db.WithContext(ctx).
		Preload("Attachments").
		Where("is_pushed = ?", false).
		Order("time asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("postgres: list unpushed notices: %w", err)
	}
	return toNotices(rows), nil
}

// MarkPushed flips a notice's pushed flag.
func (s *Store) MarkPushed(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("id = ?", id).
		Update("is_pushed", true)
	if res.Error != nil {
		return fmt.Errorf("postgres: mark notice %q pushed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Warn("mark pushed on unknown notice", zap.String("id", id))
	}
	return nil
}

// GetLatestStatus returns status rows with timestamps in [since, now].
func (s *Store) GetLatestStatus(ctx context.Context, since time.Time) ([]notice.StatusRecord, error) {
	var rows []Status
	err := s.db.WithContext(ctx).
		Where("time BETWEEN ? AND ?", since, s.clock.Now()).
		Order("time asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("postgres: list status since %v: %w", since, err)
	}
	records := make([]notice.StatusRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, notice.StatusRecord{
			Code: notice.StatusCode(row.Status),
			Time: row.Time,
		})
	}
	return records, nil
}

// GetLatestNotices returns up to limit notices ordered newest first.
func (s *Store) GetLatestNotices(ctx context.Context, limit, offset int) ([]notice.Notice, error) {
	var rows []Notification
	err := s.db.WithContext(ctx).
		Preload("Attachments").
		Order("time desc").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("postgres: list latest notices: %w", err)
	}
	return toNotices(rows), nil
}

// ErrorRate computes the share of non-synced status rows since the given
// time. A window with no rows reports a zero rate.
func (s *Store) ErrorRate(ctx context.Context, since time.Time) (float64, error) {
	records, err := s.GetLatestStatus(ctx, since)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	errors := 0
	for _, rec := range records {
		if rec.Code != notice.StatusSynced {
			errors++
		}
	}
	return float64(errors) / float64(len(records)), nil
}

func toNotice(row *Notification) notice.Notice {
	n := notice.Notice{
		ID:        row.ID,
		Title:     row.Title,
		Author:    row.Author,
		HTML:      row.Text,
		Summary:   row.Summary,
		URL:       row.URL,
		CreatedAt: row.Time,
		IsPushed:  row.IsPushed,
	}
	for _, a := range row.Attachments {
		n.Attachments = append(n.Attachments, notice.Attachment{
			NoticeID: a.NoticeID,
			Name:     a.Name,
			URL:      a.URL,
		})
	}
	return n
}

func toNotices(rows []Notification) []notice.Notice {
	notices := make([]notice.Notice, 0, len(rows))
	for i := range rows {
		notices = append(notices, toNotice(&rows[i]))
	}
	return notices
}
