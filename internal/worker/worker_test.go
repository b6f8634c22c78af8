package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/writer"
)

var errDB = errors.New("database unavailable")

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

type memStore struct {
	mu       sync.Mutex
	bulkErr  error
	rowErr   map[int]error
	stats    map[string]model.StatisticsRecord
	answers  map[string]model.AnswerRecord
	bulkRuns int
}

func newMemStore() *memStore {
	return &memStore{
		rowErr:  map[int]error{},
		stats:   map[string]model.StatisticsRecord{},
		answers: map[string]model.AnswerRecord{},
	}
}

func (m *memStore) UpsertStatistics(_ context.Context, rec model.StatisticsRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.rowErr[rec.StudentID]; err != nil {
		return err
	}
	m.stats[rec.Key()] = rec
	return nil
}

func (m *memStore) BulkUpsertStatistics(_ context.Context, batch []model.StatisticsRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bulkRuns++
	if m.bulkErr != nil {
		return m.bulkErr
	}
	for _, rec := range batch {
		m.stats[rec.Key()] = rec
	}
	return nil
}

func (m *memStore) UpsertAnswer(_ context.Context, a model.AnswerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.rowErr[a.StudentID]; err != nil {
		return err
	}
	m.answers[a.Key()] = a
	return nil
}

func (m *memStore) BulkUpsertAnswers(_ context.Context, batch []model.AnswerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bulkRuns++
	if m.bulkErr != nil {
		return m.bulkErr
	}
	for _, a := range batch {
		m.answers[a.Key()] = a
	}
	return nil
}

func (m *memStore) answerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.answers)
}

func stat(studentID, correct int, at time.Time) model.StatisticsRecord {
	return model.StatisticsRecord{StudentID: studentID, ExamID: "exam-1", ExamType: model.ExamKindTOEFL, CorrectCount: correct, UpdatedAt: at}
}

func answer(studentID int, qid, value string) model.AnswerRecord {
	return model.AnswerRecord{
		AttemptID:  uuid.New(),
		StudentID:  studentID,
		ExamID:     "exam-1",
		QuestionID: qid,
		Answer:     json.RawMessage(`"` + value + `"`),
		UpdatedAt:  time.Now().UTC(),
	}
}

func TestLatestStatistics_KeepsNewestPerKey(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	got := latestStatistics([]model.StatisticsRecord{
		stat(1, 1, t0),
		stat(2, 4, t0),
		stat(1, 3, t0.Add(2*time.Second)),
		stat(1, 2, t0.Add(time.Second)),
	})

	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].StudentID)
	assert.Equal(t, 3, got[0].CorrectCount)
	assert.Equal(t, 2, got[1].StudentID)
}

func TestLatestAnswers_KeepsLastPerQuestion(t *testing.T) {
	first := answer(1, "q1", "A")
	second := answer(1, "q1", "B")
	second.UpdatedAt = first.UpdatedAt.Add(time.Second)

	got := latestAnswers([]model.AnswerRecord{first, answer(1, "q2", "C"), second})

	require.Len(t, got, 2)
	assert.JSONEq(t, `"B"`, string(got[0].Answer))
}

func TestStatisticsWorker_FlushBulk(t *testing.T) {
	_, rdb := newRedis(t)
	store := newMemStore()
	w := NewStatisticsWorker(store, rdb, zerolog.Nop())

	w.flush(context.Background(), []model.StatisticsRecord{stat(1, 1, time.Now()), stat(2, 2, time.Now())})

	assert.Equal(t, 1, store.bulkRuns)
	assert.Len(t, store.stats, 2)
}

func TestStatisticsWorker_FallbackRequeuesFailedRows(t *testing.T) {
	mr, rdb := newRedis(t)
	store := newMemStore()
	store.bulkErr = errDB
	store.rowErr[2] = errDB
	w := NewStatisticsWorker(store, rdb, zerolog.Nop())
	w.retryDelay = 0

	w.flush(context.Background(), []model.StatisticsRecord{stat(1, 1, time.Now()), stat(2, 2, time.Now())})

	assert.Len(t, store.stats, 1)
	queued, err := mr.List(config.WorkerKey.PersistStatisticsQueue)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	var rec model.StatisticsRecord
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &rec))
	assert.Equal(t, 2, rec.StudentID)
}

func TestAutosaveWorker_ConsumesQueue(t *testing.T) {
	mr, rdb := newRedis(t)
	store := newMemStore()
	w := NewAutosaveWorker(store, rdb, zerolog.Nop())
	w.loop.timeout = 0

	for _, a := range []model.AnswerRecord{answer(1, "q1", "A"), answer(2, "q1", "B")} {
		raw, err := json.Marshal(a)
		require.NoError(t, err)
		_, err = mr.RPush(config.WorkerKey.PersistAnswersQueue, string(raw))
		require.NoError(t, err)
	}
	_, err := mr.RPush(config.WorkerKey.PersistAnswersQueue, "not json")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.answerCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, mr.Exists(config.WorkerKey.PersistAnswersQueue))

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestAutosaveWorker_FallbackRequeues(t *testing.T) {
	mr, rdb := newRedis(t)
	store := newMemStore()
	store.bulkErr = errDB
	store.rowErr[1] = errDB
	w := NewAutosaveWorker(store, rdb, zerolog.Nop())
	w.retryDelay = 0

	w.flush(context.Background(), []model.AnswerRecord{answer(1, "q1", "A"), answer(2, "q1", "B")})

	assert.Equal(t, 1, store.answerCount())
	queued, err := mr.List(config.WorkerKey.PersistAnswersQueue)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

type scriptedWriter struct {
	mu       sync.Mutex
	succeed  bool
	attempts []uuid.UUID
}

func (s *scriptedWriter) Write(_ context.Context, rec model.ResultRecord) writer.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, rec.AttemptID)
	if !s.succeed {
		return writer.Outcome{Reason: "all tiers failed", Recoverable: true, Record: rec}
	}
	return writer.Outcome{Success: true, StoredID: "9", TierUsed: "primary", Record: rec}
}

func pushPending(t *testing.T, mr *miniredis.Miniredis) model.ResultRecord {
	t.Helper()
	rec := model.ResultRecord{
		AttemptID: uuid.New(),
		StudentID: 7,
		ExamID:    "exam-1",
		ExamKind:  model.ExamKindTOEFL,
		Status:    model.AttemptStatusCompleted,
		Answers:   json.RawMessage(`{}`),
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	_, err = mr.RPush(config.WorkerKey.PendingResultsQueue, string(raw))
	require.NoError(t, err)
	return rec
}

func TestPendingResultWorker_ReplaysRecord(t *testing.T) {
	mr, rdb := newRedis(t)
	rec := pushPending(t, mr)
	w := NewPendingResultWorker(&scriptedWriter{succeed: true}, rdb, zerolog.Nop())
	w.retryDelay = 0

	w.processNext(context.Background())

	sw := w.writer.(*scriptedWriter)
	assert.Equal(t, []uuid.UUID{rec.AttemptID}, sw.attempts)
	assert.False(t, mr.Exists(config.WorkerKey.PendingResultsQueue))
}

func TestPendingResultWorker_RequeuesOnFailure(t *testing.T) {
	mr, rdb := newRedis(t)
	rec := pushPending(t, mr)
	w := NewPendingResultWorker(&scriptedWriter{}, rdb, zerolog.Nop())
	w.retryDelay = 0

	w.processNext(context.Background())

	queued, err := mr.List(config.WorkerKey.PendingResultsQueue)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	var back model.ResultRecord
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &back))
	assert.Equal(t, rec.AttemptID, back.AttemptID)
}
