package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentAnswersKey returns the cache key for a student's autosaved answers
func (r *CacheKeyStruct) StudentAnswersKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:answers", studentID, examID)
}

// StudentAttemptKey returns the cache key holding a student's attempt id for an exam
func (r *CacheKeyStruct) StudentAttemptKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:attempt", studentID, examID)
}

// ExamDataKey returns the cache key for a fully loaded exam definition
func (r *CacheKeyStruct) ExamDataKey(examID string) string {
	return fmt.Sprintf("exam:%s:data", examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
