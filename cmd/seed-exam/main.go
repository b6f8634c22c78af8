package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/content"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/model"
)

// seed-exam loads exam definitions from JSON files into the record store
// and drops any cached copy so the next attempt sees the new content.
//
//	seed-exam -status PUBLISHED exams/toefl-1.json exams/unit-3.json
func main() {
	var status string
	flag.StringVar(&status, "status", string(model.ExamStatusPublished), "Exam status: DRAFT, PUBLISHED or ARCHIVED")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With().Str("component", "seed_exam").Logger()

	st := model.ExamStatus(strings.ToUpper(status))
	switch st {
	case model.ExamStatusDraft, model.ExamStatusPublished, model.ExamStatusArchived:
	default:
		log.Fatal().Str("status", status).Msg("Unknown exam status")
	}
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: seed-exam [-status PUBLISHED] <exam.json>...")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	backend, err := database.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open record store")
	}
	defer backend.Close()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, cached exams are not invalidated")
	}
	if rdb != nil {
		defer rdb.Close()
	}
	loader := content.NewLoader(backend.Content, rdb, cfg.ContentCacheTTL, log)

	failed := 0
	for _, path := range flag.Args() {
		exam, err := readExam(path)
		if err == nil {
			err = content.Validate(exam)
		}
		if err == nil {
			err = backend.Content.SaveExam(ctx, exam, st)
		}
		if err != nil {
			failed++
			log.Error().Err(err).Str("file", path).Msg("Exam not seeded")
			continue
		}

		if err := loader.Invalidate(ctx, exam.ID); err != nil {
			log.Warn().Err(err).Str("exam_id", exam.ID).Msg("Cache invalidation failed")
		}
		log.Info().
			Str("exam_id", exam.ID).
			Str("status", string(st)).
			Int("sections", len(exam.Sections)).
			Msg("Exam seeded")
	}

	if failed > 0 {
		os.Exit(1)
	}
}

func readExam(path string) (*model.ExamData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	var exam model.ExamData
	if err := dec.Decode(&exam); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &exam, nil
}
