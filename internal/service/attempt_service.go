package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/session"
	"github.com/stemsi/exstem-engine/internal/timer"
)

var ErrAttemptNotFound = errors.New("no attempt for this exam")

const (
	attemptKeyTTL          = 24 * time.Hour
	defaultRetainCompleted = 30 * time.Minute
	subscriberBuffer       = 64
)

// AttemptConfig tunes the engines created by AttemptService.
type AttemptConfig struct {
	DefaultSectionMinutes int
	WriteTimeout          time.Duration
	// RetainCompleted is how long a finished attempt stays queryable after
	// its result is saved.
	RetainCompleted time.Duration
	Ticks           timer.TickSource
}

// ResultHistory reports whether a result was already stored for a student
// and exam. It outlives the in-memory attempts.
type ResultHistory interface {
	HasResult(ctx context.Context, studentID int, examID string) (bool, error)
}

// AttemptDeps are the collaborators shared by every attempt. History,
// Statistics, Pending, Answers and Redis are optional.
type AttemptDeps struct {
	Loader     session.ExamLoader
	Writer     session.ResultWriter
	History    ResultHistory
	Statistics session.StatisticsSink
	Pending    session.PendingSink
	Answers    AnswerSink
	Redis      *redis.Client
}

// AttemptService owns one session engine per (student, exam) and fans the
// engine events out to stream subscribers and the exam monitor channel.
type AttemptService struct {
	deps AttemptDeps
	cfg  AttemptConfig
	base zerolog.Logger
	log  zerolog.Logger

	mu       sync.Mutex
	attempts map[string]*attempt
}

type attempt struct {
	engine *session.Engine

	mu     sync.Mutex
	nextID int
	subs   map[int]chan session.Event
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(deps AttemptDeps, cfg AttemptConfig, log zerolog.Logger) *AttemptService {
	if cfg.RetainCompleted <= 0 {
		cfg.RetainCompleted = defaultRetainCompleted
	}
	return &AttemptService{
		deps:     deps,
		cfg:      cfg,
		base:     log,
		log:      log.With().Str("component", "attempt_service").Logger(),
		attempts: make(map[string]*attempt),
	}
}

func attemptKey(studentID int, examID string) string {
	return fmt.Sprintf("%d:%s", studentID, examID)
}

// Start begins an attempt, or returns the snapshot of the one already
// running for this student and exam. A student whose result is already
// stored gets session.ErrExamComplete.
func (s *AttemptService) Start(ctx context.Context, studentID int, examID string, testID *string) (session.Snapshot, error) {
	key := attemptKey(studentID, examID)

	s.mu.Lock()
	if a, ok := s.attempts[key]; ok {
		s.mu.Unlock()
		return a.engine.Snapshot(), nil
	}
	s.mu.Unlock()

	if s.finished(ctx, studentID, examID) {
		return session.Snapshot{}, session.ErrExamComplete
	}

	attemptID := s.attemptID(ctx, studentID, examID)
	a := &attempt{subs: make(map[int]chan session.Event)}
	a.engine = session.New(s.deps.Loader, session.Options{
		StudentID:             studentID,
		AttemptID:             attemptID,
		TestID:                testID,
		Writer:                s.deps.Writer,
		Statistics:            s.deps.Statistics,
		Pending:               s.deps.Pending,
		Listener:              func(ev session.Event) { s.dispatch(key, a, ev) },
		Logger:                &s.base,
		Ticks:                 s.cfg.Ticks,
		WriteTimeout:          s.cfg.WriteTimeout,
		DefaultSectionMinutes: s.cfg.DefaultSectionMinutes,
	})

	s.mu.Lock()
	if existing, ok := s.attempts[key]; ok {
		s.mu.Unlock()
		a.engine.Close()
		return existing.engine.Snapshot(), nil
	}
	s.attempts[key] = a
	s.mu.Unlock()

	if err := a.engine.Start(ctx, examID); err != nil {
		s.remove(key, a)
		a.engine.Close()
		return session.Snapshot{}, err
	}

	s.log.Info().
		Int("student_id", studentID).
		Str("exam_id", examID).
		Str("attempt_id", attemptID.String()).
		Msg("Attempt started")
	return a.engine.Snapshot(), nil
}

// Snapshot returns the observable state of an attempt.
func (s *AttemptService) Snapshot(studentID int, examID string) (session.Snapshot, error) {
	a, err := s.get(studentID, examID)
	if err != nil {
		return session.Snapshot{}, err
	}
	return a.engine.Snapshot(), nil
}

// Paper returns the student-facing exam content.
func (s *AttemptService) Paper(ctx context.Context, examID string) (*model.ExamPaper, error) {
	exam, err := s.deps.Loader.LoadExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	paper := exam.Paper()
	return &paper, nil
}

// SelectSection starts a section of the attempt.
func (s *AttemptService) SelectSection(studentID int, examID, sectionID string) (session.Snapshot, error) {
	a, err := s.get(studentID, examID)
	if err != nil {
		return session.Snapshot{}, err
	}
	if err := a.engine.SelectSection(sectionID); err != nil {
		return session.Snapshot{}, err
	}
	return a.engine.Snapshot(), nil
}

// RecordAnswer records an answer in the engine, then autosaves it. An
// autosave failure is logged; the answer stays accepted in memory.
func (s *AttemptService) RecordAnswer(ctx context.Context, studentID int, examID, questionID string, value any) error {
	a, err := s.get(studentID, examID)
	if err != nil {
		return err
	}
	if err := a.engine.RecordAnswer(questionID, value); err != nil {
		return err
	}

	if s.deps.Answers == nil {
		return nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	rec := model.AnswerRecord{
		AttemptID:  a.engine.AttemptID(),
		StudentID:  studentID,
		ExamID:     examID,
		QuestionID: questionID,
		Answer:     encoded,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.deps.Answers.PushAnswer(ctx, rec); err != nil {
		s.log.Warn().Err(err).
			Int("student_id", studentID).
			Str("exam_id", examID).
			Str("question_id", questionID).
			Msg("Answer autosave failed")
	}
	return nil
}

// SubmitSection completes the active section.
func (s *AttemptService) SubmitSection(studentID int, examID string) (session.Snapshot, error) {
	a, err := s.get(studentID, examID)
	if err != nil {
		return session.Snapshot{}, err
	}
	if err := a.engine.SubmitSection(); err != nil {
		return session.Snapshot{}, err
	}
	return a.engine.Snapshot(), nil
}

// Exit ends the attempt early.
func (s *AttemptService) Exit(studentID int, examID string) (session.Snapshot, error) {
	a, err := s.get(studentID, examID)
	if err != nil {
		return session.Snapshot{}, err
	}
	if err := a.engine.Exit(); err != nil {
		return session.Snapshot{}, err
	}
	return a.engine.Snapshot(), nil
}

// ExamSnapshots returns the snapshots of every attempt held for an exam,
// ordered by student id.
func (s *AttemptService) ExamSnapshots(examID string) []session.Snapshot {
	s.mu.Lock()
	engines := make([]*session.Engine, 0, len(s.attempts))
	for _, a := range s.attempts {
		engines = append(engines, a.engine)
	}
	s.mu.Unlock()

	out := make([]session.Snapshot, 0, len(engines))
	for _, e := range engines {
		if snap := e.Snapshot(); snap.ExamID == examID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out
}

// Subscribe streams the events of an attempt. Slow subscribers drop events
// rather than stall the engine. Call the returned func to unsubscribe.
func (s *AttemptService) Subscribe(studentID int, examID string) (<-chan session.Event, func(), error) {
	a, err := s.get(studentID, examID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan session.Event, subscriberBuffer)
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = ch
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
			close(ch)
		})
	}, nil
}

// Shutdown stops every timer and waits for in-flight result writes.
func (s *AttemptService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	engines := make([]*session.Engine, 0, len(s.attempts))
	for _, a := range s.attempts {
		engines = append(engines, a.engine)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, e := range engines {
			e.Close()
			e.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Int("attempts", len(engines)).Msg("All attempts flushed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AttemptService) get(studentID int, examID string) (*attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptKey(studentID, examID)]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return a, nil
}

func (s *AttemptService) remove(key string, a *attempt) {
	s.mu.Lock()
	if s.attempts[key] == a {
		delete(s.attempts, key)
	}
	s.mu.Unlock()
}

// finished consults the result history. A lookup failure is logged and
// treated as not finished.
func (s *AttemptService) finished(ctx context.Context, studentID int, examID string) bool {
	if s.deps.History == nil {
		return false
	}
	found, err := s.deps.History.HasResult(ctx, studentID, examID)
	if err != nil {
		s.log.Warn().Err(err).
			Int("student_id", studentID).
			Str("exam_id", examID).
			Msg("Result history lookup failed")
		return false
	}
	return found
}

// attemptID reuses the id recorded in Redis for this student and exam so
// a re-submission after a restart keeps the same logical identity.
func (s *AttemptService) attemptID(ctx context.Context, studentID int, examID string) uuid.UUID {
	candidate := uuid.New()
	if s.deps.Redis == nil {
		return candidate
	}

	key := config.CacheKey.StudentAttemptKey(examID, studentID)
	ok, err := s.deps.Redis.SetNX(ctx, key, candidate.String(), attemptKeyTTL).Result()
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Attempt id reservation failed")
		return candidate
	}
	if ok {
		return candidate
	}

	existing, err := s.deps.Redis.Get(ctx, key).Result()
	if err != nil {
		return candidate
	}
	id, err := uuid.Parse(existing)
	if err != nil {
		return candidate
	}
	return id
}

// dispatch runs outside the engine lock.
func (s *AttemptService) dispatch(key string, a *attempt, ev session.Event) {
	a.mu.Lock()
	for _, ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	a.mu.Unlock()

	if ev.Type == session.EventPersistStatus && ev.PersistStatus == session.PersistSaved {
		s.onSaved(key, a, ev)
	}

	// Ticks stay local to the stream; the monitor derives time from section_started.
	if s.deps.Redis == nil || ev.Type == session.EventTick {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.deps.Redis.Publish(ctx, config.CacheKey.ExamMonitorChannel(ev.ExamID), payload).Err(); err != nil {
		s.log.Debug().Err(err).Str("exam_id", ev.ExamID).Msg("Monitor publish failed")
	}
}

// onSaved clears the autosave buffer and schedules eviction of the
// finished attempt.
func (s *AttemptService) onSaved(key string, a *attempt, ev session.Event) {
	if s.deps.Redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.deps.Redis.Del(ctx, config.CacheKey.StudentAnswersKey(ev.ExamID, ev.StudentID))
	}
	time.AfterFunc(s.cfg.RetainCompleted, func() {
		s.remove(key, a)
		a.engine.Close()
	})
}
