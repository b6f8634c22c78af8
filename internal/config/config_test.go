package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"DB_DRIVER", "REDIS_URL", "DEFAULT_SECTION_MINUTES", "WRITER_SCHEMA_REPAIR", "WRITE_TIMEOUT_SECONDS", "RETAIN_COMPLETED_MINUTES", "ANSWER_RATE_LIMIT"} {
		t.Setenv(k, "")
	}

	cfg := Load()

	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, 35, cfg.DefaultSectionMinutes)
	assert.False(t, cfg.WriterSchemaRepair)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 10*time.Minute, cfg.RetainCompleted)
	assert.Equal(t, 120, cfg.AnswerRateLimit)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("WRITER_SCHEMA_REPAIR", "true")
	t.Setenv("WRITER_RETRY_BACKOFF_MS", "250")
	t.Setenv("DEFAULT_SECTION_MINUTES", "not-a-number")
	t.Setenv("ALLOWED_ORIGINS", " https://a.test , ,https://b.test")

	cfg := Load()

	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.True(t, cfg.WriterSchemaRepair)
	assert.Equal(t, 250*time.Millisecond, cfg.WriterRetryBackoff)
	assert.Equal(t, 35, cfg.DefaultSectionMinutes)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.AllowedOrigins)
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "student:7:exam:e1:answers", CacheKey.StudentAnswersKey("e1", 7))
	assert.Equal(t, "exam:e1:data", CacheKey.ExamDataKey("e1"))
	assert.Equal(t, "exam:e1:monitor", CacheKey.ExamMonitorChannel("e1"))
}
