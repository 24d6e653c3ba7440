package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/mileage_backend/config"
	"github.com/mmdatafocus/mileage_backend/models"
	"github.com/mmdatafocus/mileage_backend/utils"
	"github.com/mmdatafocus/mileage_backend/workflow"
	"github.com/sirupsen/logrus"
)

// mileageAPI is the thin HTTP adapter over MileageService.
// The service is installed once dependencies are connected; until then every route answers 503.
type mileageAPI struct {
	svc    atomic.Pointer[workflow.MileageService]
	logger *logrus.Logger
}

func newMileageAPI(logger *logrus.Logger) *mileageAPI {
	return &mileageAPI{logger: logger}
}

func (a *mileageAPI) install(svc *workflow.MileageService) { a.svc.Store(svc) }

func (a *mileageAPI) ready() bool { return a.svc.Load() != nil }

type recordEventRequest struct {
	Km              float64                `json:"km"`
	Unit            string                 `json:"unit"`
	TimestampUtc    time.Time              `json:"timestamp_utc"`
	Source          models.EventSource     `json:"source"`
	EvidenceType    models.EvidenceType    `json:"evidence_type"`
	EvidenceUrl     *string                `json:"evidence_url"`
	Notes           *string                `json:"notes"`
	OdometerReset   bool                   `json:"odometer_reset"`
	ClientRequestId *string                `json:"client_request_id"`
	Metadata        map[string]interface{} `json:"metadata"`
}

type resolveReviewRequest struct {
	Resolution string `json:"resolution"`
}

// sessionTenant returns the tenant placed in context by SessionMiddleware or aborts with 401.
func sessionTenant(c *gin.Context) (string, bool) {
	tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context())
	if !ok || tenantId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return tenantId, true
}

func (a *mileageAPI) getEstimate(c *gin.Context) {
	tenantId, ok := sessionTenant(c)
	if !ok {
		return
	}
	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	result, err := a.svc.Load().GetEstimate(c.Request.Context(), tenantId, c.Param("vehicleId"), refresh)
	if err != nil {
		a.writeError(c, "getEstimate", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *mileageAPI) recordEvent(c *gin.Context) {
	tenantId, ok := sessionTenant(c)
	if !ok {
		return
	}
	var req recordEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	unit, err := models.ParseDistanceUnit(req.Unit)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  err.Error(),
			"kind":   workflow.KindValidation,
			"fields": map[string]string{"Unit": "oneof"},
		})
		return
	}
	clientRequestId := req.ClientRequestId
	if clientRequestId == nil {
		if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" {
			clientRequestId = &key
		}
	}

	in := workflow.RecordEventInput{
		TenantId:        tenantId,
		VehicleId:       c.Param("vehicleId"),
		Km:              req.Km,
		Unit:            unit,
		TimestampUtc:    req.TimestampUtc,
		Source:          req.Source,
		EvidenceType:    req.EvidenceType,
		EvidenceUrl:     req.EvidenceUrl,
		Notes:           req.Notes,
		OdometerReset:   req.OdometerReset,
		ClientRequestId: clientRequestId,
		Metadata:        models.EventMetadataFromMap(req.Metadata),
	}
	if userId, ok := utils.GetUserIdFromContext(c.Request.Context()); ok && userId != "" {
		in.CreatedByUserId = &userId
	}

	result, err := a.svc.Load().RecordEvent(c.Request.Context(), in)
	if err != nil {
		a.writeError(c, "recordEvent", err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (a *mileageAPI) listEvents(c *gin.Context) {
	tenantId, ok := sessionTenant(c)
	if !ok {
		return
	}
	events, err := a.svc.Load().ListEvents(c.Request.Context(), tenantId, c.Param("vehicleId"), c.Query("seriesId"))
	if err != nil {
		a.writeError(c, "listEvents", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (a *mileageAPI) listAudit(c *gin.Context) {
	tenantId, ok := sessionTenant(c)
	if !ok {
		return
	}
	entries, err := a.svc.Load().ListAudit(c.Request.Context(), tenantId, c.Param("vehicleId"), c.Query("seriesId"))
	if err != nil {
		a.writeError(c, "listAudit", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": entries})
}

func (a *mileageAPI) replaySeries(c *gin.Context) {
	tenantId, ok := sessionTenant(c)
	if !ok {
		return
	}
	report, err := a.svc.Load().ReplaySeries(c.Request.Context(), tenantId, c.Param("vehicleId"), c.Param("seriesId"))
	if err != nil {
		a.writeError(c, "replaySeries", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// resolveReview is restricted to admins of the session tenant.
func (a *mileageAPI) resolveReview(c *gin.Context) {
	tenantId, ok := sessionTenant(c)
	if !ok {
		return
	}
	if isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context()); !isAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	reviewId, err := strconv.Atoi(c.Param("reviewId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid review id"})
		return
	}
	var req resolveReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	userId, _ := utils.GetUserIdFromContext(c.Request.Context())
	review, err := a.svc.Load().ResolvePendingReview(c.Request.Context(), tenantId, reviewId, req.Resolution, userId)
	if err != nil {
		a.writeError(c, "resolveReview", err)
		return
	}
	c.JSON(http.StatusOK, review)
}

func (a *mileageAPI) reviewQueueHealth(c *gin.Context) {
	health, err := a.svc.Load().ReviewQueueHealth(c.Request.Context())
	if err != nil {
		a.writeError(c, "reviewQueueHealth", err)
		return
	}
	c.JSON(http.StatusOK, health)
}

var kindStatus = map[workflow.Kind]int{
	workflow.KindValidation: http.StatusUnprocessableEntity,
	workflow.KindConflict:   http.StatusConflict,
	workflow.KindLocked:     http.StatusLocked,
	workflow.KindDisabled:   http.StatusForbidden,
	workflow.KindNotFound:   http.StatusNotFound,
}

func (a *mileageAPI) writeError(c *gin.Context, funcName string, err error) {
	kind := workflow.ErrorKind(err)
	status, known := kindStatus[kind]
	if !known {
		status = http.StatusInternalServerError
		config.LogError(a.logger, "mileageHandlers.go", funcName, "service call", c.Request.URL.Path, err)
		c.JSON(status, gin.H{"error": "internal error", "kind": workflow.KindInternal})
		return
	}

	body := gin.H{"error": err.Error(), "kind": kind, "retryable": workflow.IsRetryable(err)}
	var inputErr *workflow.InputError
	if errors.As(err, &inputErr) {
		body["fields"] = inputErr.Fields
	}
	if kind == workflow.KindLocked {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, body)
}
