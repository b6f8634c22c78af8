package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/session"
	"github.com/stemsi/exstem-engine/internal/timer/timertest"
	"github.com/stemsi/exstem-engine/internal/writer"
)

const waitFor = 2 * time.Second

var errNotFound = errors.New("exam not found")

type fakeLoader struct {
	exams map[string]*model.ExamData
}

func (f *fakeLoader) LoadExam(_ context.Context, examID string) (*model.ExamData, error) {
	exam, ok := f.exams[examID]
	if !ok {
		return nil, errNotFound
	}
	return exam, nil
}

type fakeWriter struct {
	mu      sync.Mutex
	fail    bool
	records []model.ResultRecord
}

func (f *fakeWriter) Write(_ context.Context, rec model.ResultRecord) writer.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	if f.fail {
		return writer.Outcome{Success: false, Reason: "down", Recoverable: true, Record: rec}
	}
	return writer.Outcome{Success: true, StoredID: "1", TierUsed: "primary", Record: rec}
}

func (f *fakeWriter) written() []model.ResultRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ResultRecord(nil), f.records...)
}

type fakeStats struct {
	mu      sync.Mutex
	records []model.StatisticsRecord
}

func (f *fakeStats) PushStatistics(_ context.Context, rec model.StatisticsRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStats) last() (model.StatisticsRecord, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return model.StatisticsRecord{}, 0
	}
	return f.records[len(f.records)-1], len(f.records)
}

type fakePending struct {
	mu      sync.Mutex
	records []model.ResultRecord
}

func (f *fakePending) PushPending(_ context.Context, rec model.ResultRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []session.Event
}

func (l *eventLog) listen(ev session.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(t session.EventType) []session.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []session.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func question(id string, correct any) model.Question {
	return model.Question{ID: id, Type: model.QuestionTypeMultipleChoice, Prompt: id, CorrectAnswer: correct}
}

func toeflExam() *model.ExamData {
	return &model.ExamData{
		ID:          "exam-1",
		Title:       "TOEFL Practice",
		Kind:        model.ExamKindTOEFL,
		ScoringMode: model.ScoringModeBatch,
		Sections: []model.Section{
			{ID: "listening", Kind: model.SectionListening, DurationMinutes: 1, Questions: []model.Question{question("l1", "A"), question("l2", "B")}},
			{ID: "structure", Kind: model.SectionStructure, DurationMinutes: 1, Questions: []model.Question{question("s1", "C")}},
			{ID: "reading", Kind: model.SectionReading, Questions: []model.Question{question("r1", "D")}},
		},
	}
}

type harness struct {
	engine  *session.Engine
	ticks   *timertest.ManualSource
	writer  *fakeWriter
	stats   *fakeStats
	pending *fakePending
	events  *eventLog
}

func newHarness(t *testing.T, exam *model.ExamData) *harness {
	t.Helper()
	h := &harness{
		ticks:   timertest.NewManualSource(),
		writer:  &fakeWriter{},
		stats:   &fakeStats{},
		pending: &fakePending{},
		events:  &eventLog{},
	}
	h.engine = session.New(&fakeLoader{exams: map[string]*model.ExamData{exam.ID: exam}}, session.Options{
		StudentID:  7,
		Writer:     h.writer,
		Statistics: h.stats,
		Pending:    h.pending,
		Listener:   h.events.listen,
		Ticks:      h.ticks.Source,
		Now:        func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(h.engine.Close)
	require.NoError(t, h.engine.Start(context.Background(), exam.ID))
	return h
}

func TestEngine_StartUnknownExamBlocksSession(t *testing.T) {
	e := session.New(&fakeLoader{}, session.Options{Writer: &fakeWriter{}})

	err := e.Start(context.Background(), "missing")

	var cfgErr *session.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, errNotFound)
	assert.Equal(t, session.StateFailed, e.State())
	assert.ErrorIs(t, e.SelectSection("listening"), session.ErrSessionBlocked)
	assert.ErrorIs(t, e.Start(context.Background(), "missing"), session.ErrSessionBlocked)
}

func TestEngine_StartWithoutSectionsIsConfigurationError(t *testing.T) {
	exam := &model.ExamData{ID: "empty", Kind: model.ExamKindTOEFL}
	e := session.New(&fakeLoader{exams: map[string]*model.ExamData{"empty": exam}}, session.Options{Writer: &fakeWriter{}})

	err := e.Start(context.Background(), "empty")

	var cfgErr *session.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "empty", cfgErr.ExamID)
	assert.Equal(t, session.StateFailed, e.State())
}

func TestEngine_ActionsBeforeStart(t *testing.T) {
	e := session.New(&fakeLoader{}, session.Options{Writer: &fakeWriter{}})

	assert.ErrorIs(t, e.SelectSection("listening"), session.ErrNotStarted)
	assert.ErrorIs(t, e.RecordAnswer("l1", "A"), session.ErrNotStarted)
	assert.ErrorIs(t, e.SubmitSection(), session.ErrNotStarted)
	assert.ErrorIs(t, e.Exit(), session.ErrNotStarted)
}

func TestEngine_FullAttempt(t *testing.T) {
	h := newHarness(t, toeflExam())
	e := h.engine

	require.NoError(t, e.SelectSection("listening"))
	snap := e.Snapshot()
	assert.Equal(t, session.StateSectionActive, snap.State)
	require.NotNil(t, snap.CurrentSectionID)
	assert.Equal(t, "listening", *snap.CurrentSectionID)
	require.NotNil(t, snap.RemainingSeconds)
	assert.Equal(t, 60, *snap.RemainingSeconds)

	require.NoError(t, e.RecordAnswer("l1", "A"))
	require.NoError(t, e.RecordAnswer("l2", "X"))
	require.NoError(t, e.SubmitSection())

	require.NoError(t, e.SelectSection("structure"))
	require.NoError(t, e.RecordAnswer("s1", "C"))
	require.NoError(t, e.SubmitSection())

	require.NoError(t, e.SelectSection("reading"))
	snap = e.Snapshot()
	require.NotNil(t, snap.RemainingSeconds)
	assert.Equal(t, session.DefaultSectionMinutes*60, *snap.RemainingSeconds)
	require.NoError(t, e.RecordAnswer("r1", "D"))
	require.NoError(t, e.SubmitSection())

	e.Wait()

	snap = e.Snapshot()
	assert.Equal(t, session.StateExamComplete, snap.State)
	assert.Nil(t, snap.CurrentSectionID)
	assert.Nil(t, snap.RemainingSeconds)
	assert.Equal(t, []string{"listening", "structure", "reading"}, snap.CompletedSectionIDs)
	assert.Equal(t, session.PersistSaved, snap.PersistStatus)
	assert.Equal(t, "primary", snap.TierUsed)

	records := h.writer.written()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, e.AttemptID(), rec.AttemptID)
	assert.Equal(t, 7, rec.StudentID)
	assert.Equal(t, model.AttemptStatusCompleted, rec.Status)
	assert.Equal(t, 3, rec.TotalPoints)
	// 1/50 -> 3, 1/40 -> 4, 1/50 -> 3; total 10 -> round(10/420*677) = 16
	assert.Equal(t, 16, rec.TotalScore)
	assert.JSONEq(t, `{"l1":"A","l2":"X","s1":"C","r1":"D"}`, string(rec.Answers))

	// batch mode never pushes statistics
	_, n := h.stats.last()
	assert.Zero(t, n)
}

func TestEngine_DoubleSubmitCompletesAndWritesOnce(t *testing.T) {
	exam := toeflExam()
	exam.Sections = exam.Sections[:1]
	h := newHarness(t, exam)
	e := h.engine

	require.NoError(t, e.SelectSection("listening"))
	require.NoError(t, e.SubmitSection())
	require.NoError(t, e.SubmitSection())
	e.Wait()

	assert.Equal(t, []string{"listening"}, e.Snapshot().CompletedSectionIDs)
	assert.Len(t, h.writer.written(), 1)
	assert.Len(t, h.events.ofType(session.EventSectionCompleted), 1)
	assert.Len(t, h.events.ofType(session.EventExamCompleted), 1)
}

func TestEngine_CompletedSectionCannotBeReentered(t *testing.T) {
	h := newHarness(t, toeflExam())
	e := h.engine

	require.NoError(t, e.SelectSection("listening"))
	require.NoError(t, e.SubmitSection())
	before := e.Snapshot()

	err := e.SelectSection("listening")

	assert.ErrorIs(t, err, session.ErrSectionCompleted)
	assert.Equal(t, before, e.Snapshot())
	assert.Equal(t, session.StateSectionSelection, e.State())
}

func TestEngine_SelectRejections(t *testing.T) {
	h := newHarness(t, toeflExam())
	e := h.engine

	assert.ErrorIs(t, e.SelectSection("writing"), session.ErrUnknownSection)

	require.NoError(t, e.SelectSection("listening"))
	assert.ErrorIs(t, e.SelectSection("structure"), session.ErrSectionActive)

	snap := e.Snapshot()
	require.NotNil(t, snap.CurrentSectionID)
	assert.Equal(t, "listening", *snap.CurrentSectionID)
}

func TestEngine_RecordAnswerValidation(t *testing.T) {
	h := newHarness(t, toeflExam())
	e := h.engine

	assert.ErrorIs(t, e.RecordAnswer("l1", "A"), session.ErrNoActiveSection)

	require.NoError(t, e.SelectSection("listening"))

	var vErr *session.ValidationError
	require.ErrorAs(t, e.RecordAnswer("s1", "C"), &vErr)
	assert.Equal(t, "question_id", vErr.Field)
	require.ErrorAs(t, e.RecordAnswer("nope", "C"), &vErr)
	require.ErrorAs(t, e.RecordAnswer("l1", []string{"A"}), &vErr)
	assert.Equal(t, "answer", vErr.Field)
	require.ErrorAs(t, e.RecordAnswer("l1", nil), &vErr)

	assert.Equal(t, session.StateSectionActive, e.State())
	assert.Empty(t, e.Answers())

	require.NoError(t, e.RecordAnswer("l1", "A"))
	require.NoError(t, e.RecordAnswer("l1", "B"))
	assert.Equal(t, model.Answers{"l1": "B"}, e.Answers())
}

func (l *eventLog) types() []session.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]session.EventType, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestEngine_ShortSectionWarnsRightAfterStart(t *testing.T) {
	h := newHarness(t, toeflExam())
	e := h.engine

	require.NoError(t, e.SelectSection("listening"))

	require.Eventually(t, func() bool { return len(h.events.ofType(session.EventLowTime)) == 1 }, waitFor, time.Millisecond)
	types := h.events.types()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, session.EventSectionStarted, types[len(types)-2])
	assert.Equal(t, session.EventLowTime, types[len(types)-1])

	warning := h.events.ofType(session.EventLowTime)[0]
	require.NotNil(t, warning.RemainingSeconds)
	assert.Equal(t, 60, *warning.RemainingSeconds)
	assert.True(t, e.Snapshot().LowTimeWarning)
}

func TestEngine_TimerExpiryCompletesSection(t *testing.T) {
	h := newHarness(t, toeflExam())
	e := h.engine

	require.NoError(t, e.SelectSection("listening"))
	require.NoError(t, e.RecordAnswer("l1", "A"))

	require.Eventually(t, func() bool { return len(h.events.ofType(session.EventLowTime)) == 1 }, waitFor, time.Millisecond)
	assert.True(t, e.Snapshot().LowTimeWarning)
	h.ticks.Tick(1)

	h.ticks.Tick(59)
	require.Eventually(t, func() bool { return e.State() == session.StateSectionSelection }, waitFor, time.Millisecond)

	snap := e.Snapshot()
	assert.Equal(t, []string{"listening"}, snap.CompletedSectionIDs)
	assert.Nil(t, snap.RemainingSeconds)
	assert.False(t, snap.LowTimeWarning)

	completed := h.events.ofType(session.EventSectionCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, session.CauseExpired, completed[0].Cause)
	assert.Equal(t, "listening", completed[0].SectionID)

	// A late manual submit loses the race and changes nothing.
	require.NoError(t, e.SubmitSection())
	assert.Equal(t, []string{"listening"}, e.Snapshot().CompletedSectionIDs)
	assert.Equal(t, model.Answers{"l1": "A"}, e.Answers())
}

func TestEngine_ExitKeepsAnswersAndUncompletedSections(t *testing.T) {
	h := newHarness(t, toeflExam())
	e := h.engine

	require.NoError(t, e.SelectSection("listening"))
	require.NoError(t, e.RecordAnswer("l1", "A"))
	require.NoError(t, e.SubmitSection())
	require.NoError(t, e.SelectSection("structure"))
	require.NoError(t, e.RecordAnswer("s1", "C"))

	require.NoError(t, e.Exit())
	e.Wait()

	snap := e.Snapshot()
	assert.Equal(t, session.StateExamComplete, snap.State)
	assert.Equal(t, []string{"listening"}, snap.CompletedSectionIDs)
	assert.Nil(t, snap.CurrentSectionID)
	assert.Equal(t, 2, snap.AnsweredCount)

	records := h.writer.written()
	require.Len(t, records, 1)
	assert.Equal(t, model.AttemptStatusExited, records[0].Status)
	assert.Equal(t, 2, records[0].TotalPoints)

	require.NoError(t, e.Exit())
	assert.ErrorIs(t, e.SelectSection("reading"), session.ErrExamComplete)
	e.Wait()
	assert.Len(t, h.writer.written(), 1)
}

func TestEngine_PersistenceExhaustedIsPending(t *testing.T) {
	exam := toeflExam()
	exam.Sections = exam.Sections[:1]
	h := newHarness(t, exam)
	h.writer.fail = true
	e := h.engine

	require.NoError(t, e.SelectSection("listening"))
	require.NoError(t, e.SubmitSection())
	e.Wait()

	assert.Equal(t, session.PersistPending, e.Snapshot().PersistStatus)
	out, ok := e.Outcome()
	require.True(t, ok)
	assert.False(t, out.Success)
	assert.True(t, out.Recoverable)

	h.pending.mu.Lock()
	defer h.pending.mu.Unlock()
	require.Len(t, h.pending.records, 1)
	assert.Equal(t, e.AttemptID(), h.pending.records[0].AttemptID)
}

func TestEngine_RealtimeScoringPushesStatistics(t *testing.T) {
	exam := toeflExam()
	exam.ScoringMode = model.ScoringModeRealtime
	h := newHarness(t, exam)
	e := h.engine

	require.NoError(t, e.SelectSection("listening"))
	require.NoError(t, e.RecordAnswer("l1", "A"))
	require.NoError(t, e.RecordAnswer("l2", "B"))
	e.Wait()

	last, n := h.stats.last()
	require.GreaterOrEqual(t, n, 1)
	assert.Equal(t, 2, last.CorrectCount)
	assert.Equal(t, 4, last.TotalCount)
	assert.Equal(t, 6, last.ListeningConverted)
	assert.Equal(t, "toefl:exam-1:7", last.Key())

	require.NoError(t, e.SubmitSection())
	e.Wait()
	last, _ = h.stats.last()
	assert.Equal(t, 2, last.CorrectCount)

	score := e.Snapshot().Score
	require.NotNil(t, score)
	assert.Equal(t, 6, score.Composite.TotalConverted)
}

func TestEngine_SnapshotSerializes(t *testing.T) {
	h := newHarness(t, toeflExam())
	require.NoError(t, h.engine.SelectSection("listening"))

	raw, err := json.Marshal(h.engine.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"current_section_id":"listening"`)
	assert.Contains(t, string(raw), `"remaining_seconds":60`)
	assert.Contains(t, string(raw), `"persist_status":"none"`)
}
