package response

import (
	"errors"
	"net/http"

	"github.com/stemsi/exstem-engine/internal/content"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/session"
)

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Identity ──────────────────────────────────────────────────────
	ErrStudentRequired ErrCode = "STUDENT_ID_REQUIRED"
	ErrMonitorToken    ErrCode = "MONITOR_TOKEN_INVALID"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrAttemptNotFound ErrCode = "ATTEMPT_NOT_FOUND"

	// ─── Session ───────────────────────────────────────────────────────
	ErrConfiguration    ErrCode = "CONFIGURATION_ERROR"
	ErrSessionBlocked   ErrCode = "SESSION_BLOCKED"
	ErrNotStarted       ErrCode = "SESSION_NOT_STARTED"
	ErrAlreadyStarted   ErrCode = "SESSION_ALREADY_STARTED"
	ErrUnknownSection   ErrCode = "UNKNOWN_SECTION"
	ErrSectionCompleted ErrCode = "SECTION_COMPLETED"
	ErrSectionActive    ErrCode = "SECTION_ACTIVE"
	ErrNoActiveSection  ErrCode = "NO_ACTIVE_SECTION"
	ErrExamComplete     ErrCode = "EXAM_COMPLETE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	case ErrStudentRequired:
		return "Identitas siswa diperlukan."
	case ErrMonitorToken:
		return "Token pemantauan tidak valid."

	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrAttemptNotFound:
		return "Sesi ujian belum dimulai untuk ujian ini."

	case ErrConfiguration:
		return "Ujian ini tidak dapat dimuat. Hubungi pengawas ujian."
	case ErrSessionBlocked:
		return "Sesi ujian diblokir karena konfigurasi ujian tidak valid."
	case ErrNotStarted:
		return "Sesi ujian belum dimulai."
	case ErrAlreadyStarted:
		return "Sesi ujian sudah dimulai."
	case ErrUnknownSection:
		return "Bagian ujian tidak ditemukan."
	case ErrSectionCompleted:
		return "Bagian ujian ini sudah diselesaikan."
	case ErrSectionActive:
		return "Selesaikan bagian yang sedang berjalan terlebih dahulu."
	case ErrNoActiveSection:
		return "Tidak ada bagian ujian yang sedang berjalan."
	case ErrExamComplete:
		return "Ujian sudah selesai."

	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}

// FromError maps a domain error to its HTTP status and code. Unknown
// errors become 500 INTERNAL_ERROR.
func FromError(err error) (int, ErrCode) {
	var cfgErr *session.ConfigurationError
	var valErr *session.ValidationError

	switch {
	case errors.As(err, &cfgErr):
		if errors.Is(err, content.ErrNotFound) {
			return http.StatusNotFound, ErrConfiguration
		}
		return http.StatusUnprocessableEntity, ErrConfiguration
	case errors.As(err, &valErr):
		return http.StatusBadRequest, ErrValidation
	case errors.Is(err, service.ErrAttemptNotFound):
		return http.StatusNotFound, ErrAttemptNotFound
	case errors.Is(err, content.ErrNotFound):
		return http.StatusNotFound, ErrNotFound
	case errors.Is(err, content.ErrNoSections):
		return http.StatusUnprocessableEntity, ErrConfiguration
	case errors.Is(err, session.ErrSessionBlocked):
		return http.StatusConflict, ErrSessionBlocked
	case errors.Is(err, session.ErrNotStarted):
		return http.StatusConflict, ErrNotStarted
	case errors.Is(err, session.ErrAlreadyStarted):
		return http.StatusConflict, ErrAlreadyStarted
	case errors.Is(err, session.ErrUnknownSection):
		return http.StatusNotFound, ErrUnknownSection
	case errors.Is(err, session.ErrSectionCompleted):
		return http.StatusConflict, ErrSectionCompleted
	case errors.Is(err, session.ErrSectionActive):
		return http.StatusConflict, ErrSectionActive
	case errors.Is(err, session.ErrNoActiveSection):
		return http.StatusConflict, ErrNoActiveSection
	case errors.Is(err, session.ErrExamComplete):
		return http.StatusConflict, ErrExamComplete
	default:
		return http.StatusInternalServerError, ErrInternal
	}
}
