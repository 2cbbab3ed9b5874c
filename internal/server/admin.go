package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	projectSync "github.com/arwahdevops/schemasync/internal/sync"
)

func registerAdminRoutes(router *gin.Engine, deps Dependencies, log *zap.Logger) {
	admin := router.Group("/admin", requireAdminToken(deps.Config.AdminToken))
	log.Info("Admin endpoints enabled on /admin")

	admin.GET("/plan", func(c *gin.Context) {
		report, err := deps.Synchronizer.Plan(c.Request.Context())
		respondWithReport(c, report, err)
	})

	admin.POST("/synchronize", func(c *gin.Context) {
		dropFirst, ok := parseDropFirst(c)
		if !ok {
			return
		}
		log.Info("Synchronization requested via admin API", zap.Bool("drop_first", dropFirst))
		report, err := deps.Synchronizer.Synchronize(c.Request.Context(), dropFirst)
		respondWithReport(c, report, err)
	})

	admin.POST("/reload", func(c *gin.Context) {
		dropFirst, ok := parseDropFirst(c)
		if !ok {
			return
		}
		if deps.Reload == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "reload is not configured"})
			return
		}
		registry, err := deps.Reload(c.Request.Context())
		if err != nil {
			log.Warn("Reload rejected; keeping the current registry", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		report, err := deps.Synchronizer.ReloadAndSynchronize(c.Request.Context(), registry, dropFirst)
		respondWithReport(c, report, err)
	})
}

func requireAdminToken(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || subtle.ConstantTimeCompare([]byte(parts[1]), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func parseDropFirst(c *gin.Context) (bool, bool) {
	raw := c.Query("dropFirst")
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dropFirst must be a boolean"})
		return false, false
	}
	return v, true
}

type tableResponse struct {
	Entity       string   `json:"entity"`
	Table        string   `json:"table"`
	TableExists  bool     `json:"table_exists"`
	Drops        []string `json:"drops"`
	Creates      []string `json:"creates"`
	Recreates    []string `json:"recreates"`
	Unchanged    []string `json:"unchanged"`
	Unmanaged    []string `json:"unmanaged"`
	Executed     []string `json:"executed"`
	Skipped      []string `json:"skipped,omitempty"`
	Error        string   `json:"error,omitempty"`
	ReleaseError string   `json:"release_error,omitempty"`
	DurationMs   int64    `json:"duration_ms"`
}

type reportResponse struct {
	RunID              string          `json:"run_id"`
	DropFirst          bool            `json:"drop_first"`
	DryRun             bool            `json:"dry_run"`
	DurationMs         int64           `json:"duration_ms"`
	StatementsExecuted int             `json:"statements_executed"`
	FailedTables       int             `json:"failed_tables"`
	Tables             []tableResponse `json:"tables"`
	Error              string          `json:"error,omitempty"`
}

func respondWithReport(c *gin.Context, report *projectSync.RunReport, err error) {
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	if report == nil {
		c.JSON(status, gin.H{"error": errString(err)})
		return
	}
	c.JSON(status, toReportResponse(report, err))
}

func toReportResponse(report *projectSync.RunReport, err error) reportResponse {
	resp := reportResponse{
		RunID:              report.RunID,
		DropFirst:          report.DropFirst,
		DryRun:             report.DryRun,
		DurationMs:         report.Duration.Milliseconds(),
		StatementsExecuted: report.ExecutedCount(),
		FailedTables:       len(report.Failed()),
		Tables:             make([]tableResponse, 0, len(report.Tables)),
		Error:              errString(err),
	}
	for _, t := range report.Tables {
		resp.Tables = append(resp.Tables, tableResponse{
			Entity:       t.Entity,
			Table:        t.Table,
			TableExists:  t.Plan.TableExists,
			Drops:        opNames(t.Plan.Drops),
			Creates:      opNames(t.Plan.Creates),
			Recreates:    nonNil(t.Plan.Recreates),
			Unchanged:    nonNil(t.Plan.Unchanged),
			Unmanaged:    nonNil(t.Plan.Unmanaged),
			Executed:     opLabels(t.Executed),
			Skipped:      opLabels(t.Skipped),
			Error:        errString(t.Err),
			ReleaseError: errString(t.ReleaseErr),
			DurationMs:   t.Duration.Milliseconds(),
		})
	}
	return resp
}

func opNames(ops []projectSync.DDLOperation) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Index.Name)
	}
	return out
}

// opLabels renders operations as "drop IDX_X" / "create IDX_X".
func opLabels(ops []projectSync.DDLOperation) []string {
	if len(ops) == 0 {
		return nil
	}
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, string(op.Kind)+" "+op.Index.Name)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
