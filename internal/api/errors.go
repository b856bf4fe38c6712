package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"campusattend/internal/attendance"
)

// StatusOf maps an engine error code onto an HTTP status.
func StatusOf(err error) int {
	switch attendance.CodeOf(err) {
	case "":
		return http.StatusOK
	case attendance.CodeInvalidArgument:
		return http.StatusBadRequest
	case attendance.CodeUnknownCredential, attendance.CodeSubjectNotFound, attendance.CodeCodeNotFound,
		attendance.CodeVerdictNotFound, attendance.CodeAlertNotFound:
		return http.StatusNotFound
	case attendance.CodeDuplicateEvidence, attendance.CodeCodeAlreadyRedeemed:
		return http.StatusConflict
	case attendance.CodeCodeExpired:
		return http.StatusGone
	case attendance.CodeNoMatchingSession:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(StatusOf(err), gin.H{"error": attendance.MessageOf(err), "code": attendance.CodeOf(err)})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": attendance.CodeInvalidArgument})
}
