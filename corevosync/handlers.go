package corevosync

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/members_backend/config"
	"bitbucket.org/mmdatafocus/members_backend/models"
	"bitbucket.org/mmdatafocus/members_backend/utils"
)

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := requireUser(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		db := config.GetDB().WithContext(c.Request.Context())

		conn, err := getConnection(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, StatusResponse{
				Connection: ConnectionResponse{Status: models.SyncStatusDisconnected},
				Classes:    DefaultClasses(),
			})
			return
		}

		since := time.Time{}
		if conn.LastSuccessSyncAt != nil {
			since = *conn.LastSuccessSyncAt
		}
		openProblems, err := CountProblemsSince(c.Request.Context(), db, since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, StatusResponse{
			Connection: ConnectionResponse{
				Status:     conn.Status,
				TenantId:   conn.TenantId,
				TenantName: conn.TenantName,
			},
			LastSyncAt:        formatTime(conn.LastSyncAt),
			LastSuccessSyncAt: formatTime(conn.LastSuccessSyncAt),
			OpenProblems:      openProblems,
			Classes:           DecodeClasses(conn.SettingsJSON),
		})
	}
}

func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := requireUser(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if strings.TrimSpace(req.APIKey) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "apiKey is required"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		conn, err := getConnection(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		now := time.Now()
		tenantName := strings.TrimSpace(req.TenantName)
		if tenantName == "" {
			tenantName = req.TenantId
		}

		if conn == nil {
			conn = &models.SyncConnection{
				Provider:      models.SyncProviderCorevo,
				Status:        models.SyncStatusConnected,
				AuthSecretRef: req.APIKey,
				TenantId:      strings.TrimSpace(req.TenantId),
				TenantName:    tenantName,
				SettingsJSON:  EncodeClasses(DefaultClasses()),
				UpdatedAt:     now,
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			update := map[string]interface{}{
				"status":          models.SyncStatusConnected,
				"auth_secret_ref": req.APIKey,
				"tenant_id":       strings.TrimSpace(req.TenantId),
				"tenant_name":     tenantName,
				"updated_at":      now,
			}
			if len(conn.SettingsJSON) == 0 {
				update["settings_json"] = EncodeClasses(DefaultClasses())
			}
			if err := db.Model(conn).Updates(update).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := requireUser(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err := requireAdmin(c); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		db := config.GetDB().WithContext(c.Request.Context())

		conn, err := getConnection(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}

		if err := db.Model(conn).Updates(map[string]interface{}{
			"status":          models.SyncStatusDisconnected,
			"auth_secret_ref": "",
			"updated_at":      time.Now(),
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func UpdateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := requireUser(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req struct {
			Classes SyncClasses `json:"classes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		conn, err := getConnection(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		settings := EncodeClasses(req.Classes)
		if conn == nil {
			conn = &models.SyncConnection{
				Provider:     models.SyncProviderCorevo,
				Status:       models.SyncStatusDisconnected,
				SettingsJSON: settings,
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			if err := db.Model(conn).Updates(map[string]interface{}{
				"settings_json": settings,
				"updated_at":    time.Now(),
			}).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := requireUser(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		params, err := buildRunParams(req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		conn, err := getConnection(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil || conn.Status != models.SyncStatusConnected {
			c.JSON(http.StatusConflict, gin.H{"error": "corevo is not connected"})
			return
		}
		if params.Classes.IsEmpty() {
			params.Classes = DecodeClasses(conn.SettingsJSON)
		}

		run := models.SyncRun{
			ConnectionId: conn.ID,
			Provider:     models.SyncProviderCorevo,
			Status:       models.SyncRunStatusQueued,
			Mode:         params.Mode,
			TriggeredBy:  models.SyncTriggeredManual,
			SessionId:    uuid.NewString(),
			ParamsJSON:   EncodeRunParams(params),
		}
		if err := db.Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		_, _ = CreateSession(run.SessionId)

		_ = PublishSyncRun(c.Request.Context(), run.ID, conn.ID)

		c.JSON(http.StatusOK, gin.H{"id": run.ID, "sessionId": run.SessionId})
	}
}

func buildRunParams(req TriggerSyncRequest) (SyncRunParams, error) {
	mode := strings.TrimSpace(req.Mode)
	if mode == "" {
		mode = models.SyncModeFull
	}
	params := SyncRunParams{
		Mode:     mode,
		Classes:  req.Classes,
		FromDate: strings.TrimSpace(req.FromDate),
		ToDate:   strings.TrimSpace(req.ToDate),
	}

	switch mode {
	case models.SyncModeFull, models.SyncModeRegistrations:
	case models.SyncModeDateRange:
		if params.FromDate == "" && params.ToDate == "" {
			return params, errors.New("fromDate or toDate is required for a date range sync")
		}
		if _, err := params.window(); err != nil {
			return params, errors.New("dates must be RFC3339 timestamps")
		}
	case models.SyncModeIdList:
		class := models.EntityClass(strings.TrimSpace(req.Class))
		if _, ok := specFor(class); !ok {
			return params, errors.New("a valid class is required for an id list sync")
		}
		ids := ParseIdList(req.Ids)
		if len(ids) == 0 {
			return params, errors.New("ids are required for an id list sync")
		}
		params.Class = string(class)
		params.Ids = ids
	default:
		return params, errors.New("unknown sync mode")
	}
	return params, nil
}

// UploadHandler reconciles an operator-supplied batch inline and records
// it in the run history like any other batch.
func UploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := requireUser(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req UploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		class := models.EntityClass(strings.TrimSpace(req.Class))
		if _, ok := specFor(class); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown entity class"})
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB().WithContext(ctx)

		now := time.Now()
		run := models.SyncRun{
			Provider:    models.SyncProviderCorevo,
			Status:      models.SyncRunStatusRunning,
			Mode:        models.SyncModeUpload,
			TriggeredBy: models.SyncTriggeredManual,
			SessionId:   uuid.NewString(),
			ParamsJSON:  EncodeRunParams(SyncRunParams{Mode: models.SyncModeUpload, Class: string(class)}),
			StartedAt:   &now,
		}
		if conn, err := getConnection(db); err == nil && conn != nil {
			run.ConnectionId = conn.ID
		}
		if err := db.Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		result, err := RunUploadBatch(ctx, db, class, req.Records, run.ID)
		if err != nil {
			_ = db.Model(&run).Updates(map[string]interface{}{
				"status": models.SyncRunStatusFailed, "finished_at": time.Now(),
			}).Error
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		repairStats := RepairStats{}
		if result.Success {
			repairStats, _ = RunRepairPass(ctx, db, config.GetLogger(), run.ID)
		}

		finishedAt := time.Now()
		status := models.SyncRunStatusSuccess
		if !result.Success {
			status = models.SyncRunStatusFailed
		} else if result.Failed > 0 {
			status = models.SyncRunStatusPartial
		}
		_ = db.Model(&run).Updates(map[string]interface{}{
			"status":         status,
			"finished_at":    finishedAt,
			"duration_ms":    finishedAt.Sub(now).Milliseconds(),
			"records_synced": result.Processed,
			"repair_count":   repairStats.Total(),
			"error_count":    result.Failed,
		}).Error

		c.JSON(http.StatusOK, result)
	}
}

func ProgressHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := requireUser(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		session, found, err := GetSession(c.Param("sessionId"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

func CancelSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := requireUser(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err := CancelSession(c.Param("sessionId")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := requireUser(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		db := config.GetDB().WithContext(c.Request.Context())
		var runs []models.SyncRun
		if err := db.Where("provider = ?", models.SyncProviderCorevo).
			Order("id desc").
			Limit(limit).
			Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := requireUser(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB().WithContext(ctx)

		var run models.SyncRun
		if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		problems, err := ListProblemsForRun(ctx, db, run.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(run),
			Problems:        mapProblems(problems),
		})
	}
}

func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := requireUser(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		var run models.SyncRun
		if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		newRun := models.SyncRun{
			ConnectionId: run.ConnectionId,
			Provider:     run.Provider,
			Status:       models.SyncRunStatusQueued,
			Mode:         run.Mode,
			TriggeredBy:  models.SyncTriggeredRetry,
			SessionId:    uuid.NewString(),
			ParamsJSON:   run.ParamsJSON,
			ParentRunId:  &run.ID,
		}
		if err := db.Create(&newRun).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		_, _ = CreateSession(newRun.SessionId)

		_ = PublishSyncRun(c.Request.Context(), newRun.ID, run.ConnectionId)

		c.JSON(http.StatusOK, gin.H{"id": newRun.ID, "sessionId": newRun.SessionId})
	}
}

func ProblemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := requireUser(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		class := models.EntityClass(strings.TrimSpace(c.Query("class")))
		db := config.GetDB().WithContext(c.Request.Context())
		problems, err := ListProblems(c.Request.Context(), db, class)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": mapProblems(problems)})
	}
}

func ClearProblemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := requireUser(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err := requireAdmin(c); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		class := models.EntityClass(strings.TrimSpace(c.Query("class")))
		key := strings.TrimSpace(c.Query("corevoId"))
		db := config.GetDB().WithContext(c.Request.Context())
		if err := ClearProblems(c.Request.Context(), db, class, key); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func ExportProblemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := requireUser(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		class := models.EntityClass(strings.TrimSpace(c.Query("class")))
		db := config.GetDB().WithContext(c.Request.Context())
		f, err := BuildProblemWorkbook(c.Request.Context(), db, class)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=sync-problems.xlsx")
		if err := f.Write(c.Writer); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to write file"})
		}
	}
}

func requireUser(c *gin.Context) error {
	username, ok := utils.GetUsernameFromContext(c.Request.Context())
	if !ok || strings.TrimSpace(username) == "" {
		return errors.New("unauthorized")
	}
	return nil
}

func requireAdmin(c *gin.Context) error {
	isAdmin, ok := utils.GetIsAdminFromContext(c.Request.Context())
	if !ok || !isAdmin {
		return errors.New("forbidden")
	}
	return nil
}

func getConnection(db *gorm.DB) (*models.SyncConnection, error) {
	var conn models.SyncConnection
	err := db.Where("provider = ?", models.SyncProviderCorevo).Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		Status:        run.Status,
		Mode:          run.Mode,
		SessionId:     run.SessionId,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RecordsSynced: run.RecordsSynced,
		RecordsPushed: run.RecordsPushed,
		RepairCount:   run.RepairCount,
		ErrorCount:    run.ErrorCount,
		TriggeredBy:   run.TriggeredBy,
	}
}

func mapProblems(problems []models.SyncProblem) []ProblemResponse {
	out := make([]ProblemResponse, 0, len(problems))
	for _, p := range problems {
		resp := ProblemResponse{
			ID:            p.ID,
			EntityClass:   string(p.EntityClass),
			CorevoId:      p.CorevoId,
			Reason:        p.Reason,
			Message:       p.Message,
			ClaimedParent: p.ClaimedParent,
			CreatedAt:     p.CreatedAt.UTC().Format(time.RFC3339),
		}
		if p.Amount != nil {
			s := p.Amount.String()
			resp.Amount = &s
		}
		if p.RecordDate != nil {
			s := p.RecordDate.Format("2006-01-02")
			resp.RecordDate = &s
		}
		out = append(out, resp)
	}
	return out
}
