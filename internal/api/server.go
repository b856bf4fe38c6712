// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/codes"
	"campusattend/internal/intake"
	"campusattend/internal/reconcile"
	"campusattend/internal/scan"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Server holds the handlers' dependencies.
type Server struct {
	Store    attendance.Store
	Scans    *scan.Service
	Codes    *codes.Manager
	Engine   *reconcile.Engine
	Signer   *auth.Signer
	AdminKey string
	Clock    attendance.Clock
	Health   map[string]HealthCheck
	Logger   *slog.Logger
}

func (s *Server) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

func (s *Server) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Register mounts every route on r.
func (s *Server) Register(r gin.IRouter) {
	r.GET("/healthz", s.healthz)

	r.POST("/v1/devices/register", s.registerDevice)
	r.POST("/v1/devices/refresh", s.refresh)
	r.POST("/v1/admin/token", s.adminToken)

	// Students submit codes from the portal without a device token.
	r.POST("/v1/codes/redeem", s.redeem)
	r.GET("/v1/sections/:id/active-code", s.activeCode)

	device := r.Group("/v1", auth.Bearer(s.Signer), auth.RequireRole(auth.RoleDevice))
	device.POST("/scans", s.handleScan)

	admin := r.Group("/v1", auth.Bearer(s.Signer), auth.RequireRole(auth.RoleAdmin))
	admin.GET("/verdicts", s.getVerdict)
	admin.POST("/verdicts/:id/override", s.override)
	admin.POST("/reconcile", s.reconcile)
	admin.POST("/days/:date/close", s.closeDay)
	admin.GET("/alerts", s.listAlerts)
	admin.POST("/alerts/:id/ack", s.ackAlert)
}

func (s *Server) healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, check := range s.Health {
		healthy := check(c.Request.Context())
		body[name] = healthy
		if !healthy {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func (s *Server) registerDevice(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required,max=64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.Store.UpsertDevice(c.Request.Context(), req.DeviceID); err != nil {
		writeError(c, err)
		return
	}
	s.issueTokens(c, req.DeviceID, auth.RoleDevice, http.StatusCreated)
}

func (s *Server) issueTokens(c *gin.Context, subject, role string, status int) {
	tokens, err := s.Signer.Issue(subject, role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	if role == auth.RoleDevice {
		if err := s.Store.SaveRefreshToken(c.Request.Context(), subject, tokens.RefreshToken, tokens.RefreshExp); err != nil {
			s.log().Warn("save refresh token failed", "device_id", subject, "error", err)
		}
	}
	c.JSON(status, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

func (s *Server) refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claims, err := s.Signer.Parse(req.RefreshToken, auth.KindRefresh)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	s.issueTokens(c, claims.Subject, claims.Role, http.StatusOK)
}

func (s *Server) adminToken(c *gin.Context) {
	var req struct {
		APIKey string `json:"api_key" binding:"required"`
		Name   string `json:"name" binding:"required,max=64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if s.AdminKey == "" || subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(s.AdminKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}
	s.log().Info("admin token issued", "actor", req.Name)
	s.issueTokens(c, req.Name, auth.RoleAdmin, http.StatusOK)
}

func (s *Server) handleScan(c *gin.Context) {
	var raw intake.RawScan
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, scan.Response{
			Token:   scan.ErrorToken(attendance.CodeInvalidArgument),
			Message: "malformed scan",
		})
		return
	}
	if claims, ok := auth.ClaimsFrom(c); ok && claims.Subject != raw.DeviceID {
		c.JSON(http.StatusForbidden, gin.H{"error": "device mismatch"})
		return
	}
	resp, err := s.Scans.Handle(c.Request.Context(), raw)
	c.JSON(StatusOf(err), resp)
}

func (s *Server) redeem(c *gin.Context) {
	var req struct {
		StudentID string `json:"student_id" binding:"required"`
		Code      string `json:"code" binding:"required"`
		SectionID string `json:"section_id" binding:"required"`
		Date      string `json:"date"`
		TimeSlot  string `json:"time_slot"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "student_id, code and section_id are required"})
		return
	}
	var date attendance.Date
	if req.Date != "" {
		d, err := attendance.ParseDate(req.Date, s.now())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": attendance.MessageOf(err)})
			return
		}
		date = d
	}
	entry, err := s.Codes.Redeem(c.Request.Context(), codes.RedeemRequest{
		StudentID: req.StudentID,
		Code:      req.Code,
		SectionID: req.SectionID,
		Date:      date,
		TimeSlot:  req.TimeSlot,
	})
	if err != nil {
		c.JSON(StatusOf(err), gin.H{"success": false, "message": redeemMessage(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "attendance marked for " + entry.TimeSlot})
}

func redeemMessage(err error) string {
	switch attendance.CodeOf(err) {
	case attendance.CodeCodeExpired:
		return "code expired"
	case attendance.CodeCodeNotFound:
		return "code not recognised for this section"
	case attendance.CodeCodeAlreadyRedeemed, attendance.CodeDuplicateEvidence:
		return "already marked"
	case attendance.CodeStorageFailure:
		return "something went wrong, try again"
	default:
		return attendance.MessageOf(err)
	}
}

func (s *Server) activeCode(c *gin.Context) {
	active, err := s.Codes.Active(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	body := gin.H{"active": active.Active, "remaining_seconds": int(active.Remaining.Seconds())}
	if active.Active {
		body["code"] = active.Code
		body["valid_until"] = active.ValidUntil
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getVerdict(c *gin.Context) {
	subjectID := c.Query("subject_id")
	date, err := attendance.ParseDate(c.Query("date"), s.now())
	if err != nil || subjectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject_id and date required", "code": attendance.CodeInvalidArgument})
		return
	}
	v, err := s.Store.GetVerdict(c.Request.Context(), subjectID, date)
	if err != nil {
		writeError(c, err)
		return
	}
	if v == nil {
		writeError(c, attendance.Errorf(attendance.CodeVerdictNotFound, "no verdict for %s on %s", subjectID, date))
		return
	}
	c.JSON(http.StatusOK, toVerdict(*v))
}

func (s *Server) override(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
		Reason string `json:"reason" binding:"required,max=500"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	v, err := s.Engine.Override(c.Request.Context(), c.Param("id"), req.Status, claims.Subject, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toVerdict(v))
}

func (s *Server) reconcile(c *gin.Context) {
	var req struct {
		SubjectID string `json:"subject_id" binding:"required"`
		Date      string `json:"date"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	date, err := attendance.ParseDate(req.Date, s.now())
	if err != nil {
		writeError(c, err)
		return
	}
	v, err := s.Engine.Reconcile(c.Request.Context(), req.SubjectID, date, s.Engine.Cutoff(date))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toVerdict(v))
}

func (s *Server) closeDay(c *gin.Context) {
	date, err := attendance.ParseDate(c.Param("date"), s.now())
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := s.Engine.CloseDay(c.Request.Context(), date)
	if err != nil {
		writeError(c, err)
		return
	}
	failed := make([]gin.H, 0, len(res.Failures))
	for _, f := range res.Failures {
		failed = append(failed, gin.H{"subject_id": f.SubjectID, "code": attendance.CodeOf(f.Err)})
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "reconciled": len(res.Verdicts), "failures": failed})
}

func (s *Server) listAlerts(c *gin.Context) {
	date, err := attendance.ParseDate(c.Query("date"), s.now())
	if err != nil {
		writeError(c, err)
		return
	}
	alerts, err := s.Store.ListLateAlerts(c.Request.Context(), date)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]alertJSON, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, toAlert(a))
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "alerts": out})
}

func (s *Server) ackAlert(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	a, err := s.Store.AcknowledgeLateAlert(c.Request.Context(), c.Param("id"), claims.Subject)
	if err != nil {
		writeError(c, err)
		return
	}
	s.log().Info("late alert acknowledged", "alert_id", a.ID, "staff_id", a.StaffID, "actor", claims.Subject)
	c.JSON(http.StatusOK, toAlert(a))
}
