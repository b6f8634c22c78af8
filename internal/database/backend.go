package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/content"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/store/sqlite"
	"github.com/stemsi/exstem-engine/internal/worker"
	"github.com/stemsi/exstem-engine/internal/writer"
)

// ContentStore serves and stores exam definitions.
type ContentStore interface {
	content.Source
	ListPublishedIDs(ctx context.Context) ([]string, error)
	SaveExam(ctx context.Context, exam *model.ExamData, status model.ExamStatus) error
}

// ResultHistory answers whether a student already has a stored result.
type ResultHistory interface {
	HasResult(ctx context.Context, studentID int, examID string) (bool, error)
}

// Backend is the record store selected by DB_DRIVER.
type Backend struct {
	Driver     string
	Content    ContentStore
	Results    writer.RecordStore
	History    ResultHistory
	Statistics worker.StatisticsStore
	Answers    worker.AnswerStore

	ping  func(ctx context.Context) error
	close func()
}

// Open connects the configured driver.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pool, err := NewPostgresPool(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		results := repository.NewResultRepository(pool)
		return &Backend{
			Driver:     config.DriverPostgres,
			Content:    repository.NewContentRepository(pool),
			Results:    results,
			History:    results,
			Statistics: repository.NewStatisticsRepository(pool),
			Answers:    repository.NewAnswerRepository(pool),
			ping:       pool.Ping,
			close:      pool.Close,
		}, nil

	case config.DriverSQLite:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("SQLite store opened")
		return &Backend{
			Driver:     config.DriverSQLite,
			Content:    store,
			Results:    store,
			History:    store,
			Statistics: store,
			Answers:    store,
			ping:       store.Ping,
			close:      func() { _ = store.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}

// Ping checks the store is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	return b.ping(ctx)
}

// Close releases the connections.
func (b *Backend) Close() {
	b.close()
}
