// Package session implements the per-attempt exam state machine.
//
// An Engine sequences the sections of one exam for one student, drives a
// section timer, scores the attempt and hands the final record to a result
// writer. All transitions are serialized by the engine lock; storage work
// runs in background goroutines so it never blocks the test-taker.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/scoring"
	"github.com/stemsi/exstem-engine/internal/timer"
	"github.com/stemsi/exstem-engine/internal/writer"
)

const (
	DefaultSectionMinutes = 35
	DefaultWriteTimeout   = 30 * time.Second
)

// State is the engine's position in the attempt lifecycle.
type State string

const (
	StateNotStarted       State = "NOT_STARTED"
	StateSectionSelection State = "SECTION_SELECTION"
	StateSectionActive    State = "SECTION_ACTIVE"
	StateExamComplete     State = "EXAM_COMPLETE"
	// StateFailed is terminal: the exam could not be loaded.
	StateFailed State = "FAILED"
)

// PersistStatus tracks the final result write.
type PersistStatus string

const (
	PersistNone    PersistStatus = "none"
	PersistSaving  PersistStatus = "saving"
	PersistSaved   PersistStatus = "saved"
	PersistPending PersistStatus = "pending"
)

// ExamLoader fetches a fully populated exam definition.
type ExamLoader interface {
	LoadExam(ctx context.Context, examID string) (*model.ExamData, error)
}

// ResultWriter persists a finalized record.
type ResultWriter interface {
	Write(ctx context.Context, rec model.ResultRecord) writer.Outcome
}

// StatisticsSink receives real-time statistics snapshots.
type StatisticsSink interface {
	PushStatistics(ctx context.Context, rec model.StatisticsRecord) error
}

// PendingSink receives records whose write exhausted every tier.
type PendingSink interface {
	PushPending(ctx context.Context, rec model.ResultRecord) error
}

// Options configure an Engine. Writer is required.
type Options struct {
	StudentID int
	// AttemptID is the logical identity of the result. Zero means a new id.
	AttemptID uuid.UUID
	TestID    *string

	Writer     ResultWriter
	Statistics StatisticsSink
	Pending    PendingSink
	Listener   func(Event)

	// Logger defaults to the global logger.
	Logger                *zerolog.Logger
	Ticks                 timer.TickSource
	WriteTimeout          time.Duration
	DefaultSectionMinutes int
	Now                   func() time.Time
}

// Snapshot is a consistent read of the engine's observable state.
type Snapshot struct {
	AttemptID           uuid.UUID       `json:"attempt_id"`
	StudentID           int             `json:"student_id"`
	ExamID              string          `json:"exam_id"`
	State               State           `json:"state"`
	CurrentSectionID    *string         `json:"current_section_id"`
	RemainingSeconds    *int            `json:"remaining_seconds"`
	LowTimeWarning      bool            `json:"low_time_warning"`
	CompletedSectionIDs []string        `json:"completed_section_ids"`
	AnsweredCount       int             `json:"answered_count"`
	Score               *scoring.Result `json:"score,omitempty"`
	PersistStatus       PersistStatus   `json:"persist_status"`
	StoredID            string          `json:"stored_id,omitempty"`
	TierUsed            string          `json:"tier_used,omitempty"`
}

// Engine is the state machine of a single attempt. It is safe for
// concurrent use.
type Engine struct {
	loader ExamLoader
	opts   Options
	log    zerolog.Logger
	timer  *timer.Timer

	mu        sync.Mutex
	state     State
	examID    string
	exam      *model.ExamData
	current   string
	warned    bool
	completed map[string]bool
	order     []string
	answers   model.Answers
	score     *scoring.Result
	finalized bool
	persist   PersistStatus
	outcome   *writer.Outcome
	statsSeq  uint64

	statsMu   sync.Mutex
	statsSent uint64

	// orderMu is taken before mu is released so section_started reaches
	// listeners ahead of a warning fired by the new run.
	orderMu sync.Mutex

	wg sync.WaitGroup
}

// New creates an engine in NotStarted.
func New(loader ExamLoader, opts Options) *Engine {
	if opts.AttemptID == uuid.Nil {
		opts.AttemptID = uuid.New()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.DefaultSectionMinutes <= 0 {
		opts.DefaultSectionMinutes = DefaultSectionMinutes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}

	e := &Engine{
		loader:    loader,
		opts:      opts,
		state:     StateNotStarted,
		completed: make(map[string]bool),
		answers:   make(model.Answers),
		persist:   PersistNone,
		log: base.With().
			Str("component", "session").
			Int("student_id", opts.StudentID).
			Str("attempt_id", opts.AttemptID.String()).
			Logger(),
	}
	e.timer = timer.New(opts.Ticks, timer.Handlers{
		OnTick:    e.onTick,
		OnWarning: e.onWarning,
		OnExpire:  e.onExpire,
	})
	return e
}

// AttemptID returns the logical identity of the attempt's result.
func (e *Engine) AttemptID() uuid.UUID { return e.opts.AttemptID }

// Start loads the exam and enters section selection. Any load failure is
// terminal: the engine moves to StateFailed and returns a ConfigurationError.
func (e *Engine) Start(ctx context.Context, examID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateNotStarted:
	case StateFailed:
		return ErrSessionBlocked
	default:
		return ErrAlreadyStarted
	}

	e.examID = examID
	e.log = e.log.With().Str("exam_id", examID).Logger()

	exam, err := e.loader.LoadExam(ctx, examID)
	if err == nil && len(exam.Sections) == 0 {
		err = errors.New("exam has no sections")
	}
	if err != nil {
		e.state = StateFailed
		e.log.Error().Err(err).Msg("Exam load failed, session blocked")
		return &ConfigurationError{ExamID: examID, Err: err}
	}

	e.exam = exam
	e.state = StateSectionSelection
	e.log.Info().Int("sections", len(exam.Sections)).Msg("Session started")
	return nil
}

// Exam returns the loaded exam, or nil before a successful Start.
func (e *Engine) Exam() *model.ExamData {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exam
}

// SelectSection activates a section that is neither completed nor
// preceded by another active section, and starts its timer.
func (e *Engine) SelectSection(sectionID string) error {
	e.mu.Lock()
	if err := e.guardLocked(StateSectionSelection); err != nil {
		e.mu.Unlock()
		return err
	}

	section, ok := e.exam.Section(sectionID)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSection, sectionID)
	}
	if e.completed[sectionID] {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSectionCompleted, sectionID)
	}

	minutes := section.DurationMinutes
	if minutes <= 0 {
		minutes = e.opts.DefaultSectionMinutes
	}

	e.current = sectionID
	e.warned = false
	e.state = StateSectionActive
	e.timer.Start(sectionID, minutes)

	remaining := minutes * 60
	ev := e.eventLocked(EventSectionStarted)
	ev.SectionID = sectionID
	ev.RemainingSeconds = &remaining
	e.orderMu.Lock()
	e.mu.Unlock()

	e.log.Info().Str("section_id", sectionID).Int("minutes", minutes).Msg("Section started")
	e.emit(ev)
	e.orderMu.Unlock()
	return nil
}

// RecordAnswer upserts the answer to a question of the active section.
func (e *Engine) RecordAnswer(questionID string, value any) error {
	e.mu.Lock()
	if err := e.guardLocked(StateSectionActive); err != nil {
		e.mu.Unlock()
		return err
	}

	section, _ := e.exam.Section(e.current)
	if questionID == "" || !section.HasQuestion(questionID) {
		e.mu.Unlock()
		return &ValidationError{Field: "question_id", Reason: "question is not part of the active section"}
	}
	if !isScalar(value) {
		e.mu.Unlock()
		return &ValidationError{Field: "answer", Reason: "answer must be a string, number or boolean"}
	}

	e.answers[questionID] = value

	ev := e.eventLocked(EventAnswerRecorded)
	ev.SectionID = e.current
	ev.QuestionID = questionID

	var jobs []func(context.Context)
	if e.exam.ScoringMode == model.ScoringModeRealtime {
		res := e.rescoreLocked()
		ev.Score = &res.TotalScore
		jobs = append(jobs, e.statsJobLocked(res))
	}
	e.mu.Unlock()

	e.emit(ev)
	e.dispatch(jobs...)
	return nil
}

// SubmitSection completes the active section. When no section is active
// after selection began, the call is a no-op: a timer expiry already won.
func (e *Engine) SubmitSection() error {
	e.mu.Lock()
	switch e.state {
	case StateSectionActive:
	case StateSectionSelection, StateExamComplete:
		e.mu.Unlock()
		e.log.Debug().Msg("Submit ignored, no active section")
		return nil
	case StateFailed:
		e.mu.Unlock()
		return ErrSessionBlocked
	default:
		e.mu.Unlock()
		return ErrNotStarted
	}

	events, jobs := e.completeLocked(e.current, CauseSubmitted)
	e.mu.Unlock()

	e.emit(events...)
	e.dispatch(jobs...)
	return nil
}

// Exit ends the attempt early. The active section is abandoned without
// being completed, answers are kept and the result is written as EXITED.
// Exiting a completed or failed attempt is a no-op.
func (e *Engine) Exit() error {
	e.mu.Lock()
	switch e.state {
	case StateSectionSelection, StateSectionActive:
	case StateExamComplete, StateFailed:
		e.mu.Unlock()
		e.timer.Stop()
		return nil
	default:
		e.mu.Unlock()
		return ErrNotStarted
	}

	e.timer.Stop()
	abandoned := e.current
	e.current = ""
	e.warned = false
	e.state = StateExamComplete

	res := e.rescoreLocked()
	var jobs []func(context.Context)
	if e.exam.ScoringMode == model.ScoringModeRealtime {
		jobs = append(jobs, e.statsJobLocked(res))
	}
	ev, job := e.finalizeLocked(res, model.AttemptStatusExited)
	ev.SectionID = abandoned
	ev.Cause = CauseExited
	jobs = append(jobs, job)
	e.mu.Unlock()

	e.log.Info().Str("abandoned_section", abandoned).Msg("Session exited")
	e.emit(ev)
	e.dispatch(jobs...)
	return nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Answers returns a copy of every recorded answer.
func (e *Engine) Answers() model.Answers {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.answers.Clone()
}

// Outcome returns the final write outcome once it is known.
func (e *Engine) Outcome() (writer.Outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outcome == nil {
		return writer.Outcome{}, false
	}
	return *e.outcome, true
}

// Snapshot returns the observable state. RemainingSeconds is set exactly
// when a section is active.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		AttemptID:           e.opts.AttemptID,
		StudentID:           e.opts.StudentID,
		ExamID:              e.examID,
		State:               e.state,
		CompletedSectionIDs: append([]string{}, e.order...),
		AnsweredCount:       len(e.answers),
		PersistStatus:       e.persist,
	}
	if e.current != "" {
		current := e.current
		remaining := 0
		if id, secs, ok := e.timer.Remaining(); ok && id == current {
			remaining = secs
		}
		s.CurrentSectionID = &current
		s.RemainingSeconds = &remaining
		s.LowTimeWarning = e.warned
	}
	if e.score != nil {
		score := *e.score
		s.Score = &score
	}
	if e.outcome != nil {
		s.StoredID = e.outcome.StoredID
		s.TierUsed = e.outcome.TierUsed
	}
	return s
}

// Wait blocks until every background write has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close disposes of the timer. In-flight writes are not cancelled.
func (e *Engine) Close() {
	e.timer.Stop()
}

// ----------------------------------------------------------------
// Timer callbacks
// ----------------------------------------------------------------

func (e *Engine) onTick(sectionID string, remaining int) {
	e.mu.Lock()
	if e.state != StateSectionActive || e.current != sectionID {
		e.mu.Unlock()
		return
	}
	ev := e.eventLocked(EventTick)
	ev.SectionID = sectionID
	ev.RemainingSeconds = &remaining
	e.mu.Unlock()

	e.emit(ev)
}

func (e *Engine) onWarning(sectionID string, remaining int) {
	e.mu.Lock()
	if e.state != StateSectionActive || e.current != sectionID {
		e.mu.Unlock()
		return
	}
	e.warned = true
	ev := e.eventLocked(EventLowTime)
	ev.SectionID = sectionID
	ev.RemainingSeconds = &remaining
	e.orderMu.Lock()
	e.mu.Unlock()

	e.emit(ev)
	e.orderMu.Unlock()
}

func (e *Engine) onExpire(sectionID string) {
	e.mu.Lock()
	if e.state != StateSectionActive || e.current != sectionID {
		e.mu.Unlock()
		e.log.Debug().Str("section_id", sectionID).Msg("Expiry ignored, section already completed")
		return
	}
	events, jobs := e.completeLocked(sectionID, CauseExpired)
	e.mu.Unlock()

	e.emit(events...)
	e.dispatch(jobs...)
}

// ----------------------------------------------------------------
// Transitions (engine lock held)
// ----------------------------------------------------------------

func (e *Engine) guardLocked(want State) error {
	if e.state == want {
		return nil
	}
	switch e.state {
	case StateNotStarted:
		return ErrNotStarted
	case StateFailed:
		return ErrSessionBlocked
	case StateExamComplete:
		return ErrExamComplete
	case StateSectionActive:
		return ErrSectionActive
	default:
		return ErrNoActiveSection
	}
}

// completeLocked marks sectionID completed exactly once and, when it was
// the last one, finalizes the attempt.
func (e *Engine) completeLocked(sectionID, cause string) ([]Event, []func(context.Context)) {
	e.timer.Stop()
	e.completed[sectionID] = true
	e.order = append(e.order, sectionID)
	e.current = ""
	e.warned = false

	res := e.rescoreLocked()

	ev := e.eventLocked(EventSectionCompleted)
	ev.SectionID = sectionID
	ev.Cause = cause
	ev.Score = &res.TotalScore
	events := []Event{ev}

	var jobs []func(context.Context)
	if e.exam.ScoringMode == model.ScoringModeRealtime {
		jobs = append(jobs, e.statsJobLocked(res))
	}

	if len(e.completed) < len(e.exam.Sections) {
		e.state = StateSectionSelection
		e.log.Info().Str("section_id", sectionID).Str("cause", cause).Msg("Section completed")
		return events, jobs
	}

	e.state = StateExamComplete
	e.log.Info().Str("section_id", sectionID).Str("cause", cause).Msg("Last section completed, exam complete")
	done, job := e.finalizeLocked(res, model.AttemptStatusCompleted)
	events = append(events, done)
	jobs = append(jobs, job)
	return events, jobs
}

// finalizeLocked builds the result record and returns the write job. The
// finalized flag guarantees a single write per attempt.
func (e *Engine) finalizeLocked(res scoring.Result, status model.AttemptStatus) (Event, func(context.Context)) {
	ev := e.eventLocked(EventExamCompleted)
	ev.Score = &res.TotalScore

	if e.finalized {
		return ev, nil
	}
	e.finalized = true
	e.persist = PersistSaving
	ev.PersistStatus = PersistSaving

	rec := e.recordLocked(res, status)
	return ev, func(ctx context.Context) { e.persistResult(ctx, rec) }
}

func (e *Engine) recordLocked(res scoring.Result, status model.AttemptStatus) model.ResultRecord {
	answers, err := json.Marshal(e.answers)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to serialize answers")
		answers = []byte(`{}`)
	}
	sections, err := json.Marshal(res.Composite.PerSection)
	if err != nil {
		sections = nil
	}

	return model.ResultRecord{
		AttemptID:      e.opts.AttemptID,
		StudentID:      e.opts.StudentID,
		ExamID:         e.exam.ID,
		TestID:         e.opts.TestID,
		ExamKind:       e.exam.Kind,
		TotalPoints:    res.TotalPoints,
		TotalScore:     res.TotalScore,
		Status:         status,
		CompletionTime: e.opts.Now().UTC(),
		Answers:        answers,
		SectionScores:  sections,
	}
}

func (e *Engine) rescoreLocked() scoring.Result {
	res := scoring.Evaluate(e.exam.Kind, e.exam.Sections, e.answers)
	e.score = &res
	return res
}

// statsJobLocked returns a statistics push. Pushes are sequenced so a
// slower, older snapshot never overwrites a newer one.
func (e *Engine) statsJobLocked(res scoring.Result) func(context.Context) {
	if e.opts.Statistics == nil {
		return nil
	}
	e.statsSeq++
	seq := e.statsSeq
	rec := res.Statistics(e.opts.StudentID, e.exam.ID, e.exam.Kind)
	rec.UpdatedAt = e.opts.Now().UTC()

	return func(ctx context.Context) {
		e.statsMu.Lock()
		defer e.statsMu.Unlock()
		if seq <= e.statsSent {
			return
		}
		e.statsSent = seq
		if err := e.opts.Statistics.PushStatistics(ctx, rec); err != nil {
			e.log.Warn().Err(err).Msg("Statistics push failed")
		}
	}
}

func (e *Engine) eventLocked(t EventType) Event {
	return Event{
		Type:      t,
		AttemptID: e.opts.AttemptID,
		StudentID: e.opts.StudentID,
		ExamID:    e.examID,
		At:        e.opts.Now().UTC(),
	}
}

// ----------------------------------------------------------------
// Background work (engine lock not held)
// ----------------------------------------------------------------

func (e *Engine) persistResult(ctx context.Context, rec model.ResultRecord) {
	out := e.opts.Writer.Write(ctx, rec)

	status := PersistSaved
	if !out.Success {
		status = PersistPending
		if e.opts.Pending != nil {
			if err := e.opts.Pending.PushPending(ctx, out.Record); err != nil {
				e.log.Error().Err(err).Msg("Failed to queue pending result, record kept in memory")
			}
		}
	}

	e.mu.Lock()
	e.outcome = &out
	e.persist = status
	ev := e.eventLocked(EventPersistStatus)
	ev.PersistStatus = status
	ev.TierUsed = out.TierUsed
	e.mu.Unlock()

	e.emit(ev)
}

func (e *Engine) dispatch(jobs ...func(context.Context)) {
	for _, job := range jobs {
		if job == nil {
			continue
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.WriteTimeout)
			defer cancel()
			job(ctx)
		}()
	}
}

func (e *Engine) emit(events ...Event) {
	if e.opts.Listener == nil {
		return
	}
	for _, ev := range events {
		e.opts.Listener(ev)
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, json.Number,
		float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}
