package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/demeterr/demeterr/internal/apperr"
	"github.com/demeterr/demeterr/internal/foodstore"
	"github.com/demeterr/demeterr/internal/nutrition"
	"github.com/demeterr/demeterr/internal/pipeline"
)

type session interface {
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context) (pipeline.Result, error)
	Abort(ctx context.Context) bool
	State() pipeline.State
	Level() float64
	SessionID() string
}

type records interface {
	Ping(ctx context.Context) error
	Dashboard(ctx context.Context, day string) (foodstore.Dashboard, error)
	DeleteEntry(ctx context.Context, id string) error
	LogCustomFood(ctx context.Context, name string, grams float64) (foodstore.Entry, error)
	LookupCustomFoods(ctx context.Context) ([]nutrition.CustomFood, error)
	AddCustomFood(ctx context.Context, food nutrition.CustomFood) error
	Goals(ctx context.Context) (foodstore.Goals, error)
	SetGoals(ctx context.Context, g foodstore.Goals) error
}

type api struct {
	session session
	records records
	ready   func() bool
	logger  *slog.Logger
}

func (r *Runtime) router(metrics http.Handler) *gin.Engine {
	a := &api{
		session: r.orch,
		records: r.store,
		ready: func() bool {
			return r.ready.Load() && (r.bus == nil || r.bus.Healthy())
		},
		logger: r.logger.With(slog.String("component", "http")),
	}
	return a.routes(metrics)
}

func (a *api) routes(metrics http.Handler) *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery(), requestLogger(a.logger))

	e.GET("/healthz", a.health)
	e.GET("/readyz", a.readiness)
	if metrics != nil {
		e.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := e.Group("/v1")
	{
		v1.GET("/recording", a.recordingStatus)
		v1.POST("/recording/start", a.startRecording)
		v1.POST("/recording/stop", a.stopRecording)
		v1.POST("/recording/abort", a.abortRecording)
		v1.GET("/dashboard", a.dashboard)
		v1.POST("/entries", a.logCustomFood)
		v1.DELETE("/entries/:id", a.deleteEntry)
		v1.GET("/custom-foods", a.listCustomFoods)
		v1.POST("/custom-foods", a.addCustomFood)
		v1.GET("/goals", a.goals)
		v1.PUT("/goals", a.setGoals)
	}
	return e
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}

func success(c *gin.Context, code int, data any) {
	c.JSON(code, gin.H{
		"success": true,
		"data":    data,
	})
}

func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{
		"success": false,
		"error":   msg,
	})
}

// failPipeline reports a session error with its kind and stage.
func failPipeline(c *gin.Context, err error) {
	kind, msg := pipeline.Describe(err)
	body := gin.H{
		"success": false,
		"error":   msg,
		"kind":    kind,
	}
	var serr *pipeline.StageError
	if errors.As(err, &serr) {
		body["stage"] = serr.Stage
		if serr.Committed > 0 {
			body["items_committed"] = serr.Committed
		}
	}
	c.JSON(statusFor(err), body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrBusy), errors.Is(err, pipeline.ErrNotRecording):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusConflict
	}
	switch apperr.KindOf(err) {
	case apperr.KindPermissionDenied:
		return http.StatusForbidden
	case apperr.KindDevice:
		return http.StatusServiceUnavailable
	case apperr.KindEmptyTranscript, apperr.KindNoFoodItems:
		return http.StatusUnprocessableEntity
	case apperr.KindNetwork, apperr.KindAPI, apperr.KindInvalidResponse, apperr.KindDecoding:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (a *api) readiness(c *gin.Context) {
	if !a.ready() {
		c.String(http.StatusServiceUnavailable, "not ready")
		return
	}
	if err := a.records.Ping(c.Request.Context()); err != nil {
		a.logger.Warn("store not reachable", slog.String("error", err.Error()))
		c.String(http.StatusServiceUnavailable, "not ready")
		return
	}
	c.String(http.StatusOK, "ready")
}

func (a *api) recordingStatus(c *gin.Context) {
	success(c, http.StatusOK, gin.H{
		"state":      a.session.State().String(),
		"level":      a.session.Level(),
		"session_id": a.session.SessionID(),
	})
}

func (a *api) startRecording(c *gin.Context) {
	id, err := a.session.Start(c.Request.Context())
	if err != nil {
		failPipeline(c, err)
		return
	}
	success(c, http.StatusAccepted, gin.H{"session_id": id})
}

func (a *api) stopRecording(c *gin.Context) {
	// Processing continues if the client goes away; abort is explicit.
	res, err := a.session.Stop(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		failPipeline(c, err)
		return
	}
	success(c, http.StatusOK, res)
}

func (a *api) abortRecording(c *gin.Context) {
	success(c, http.StatusOK, gin.H{"aborted": a.session.Abort(c.Request.Context())})
}

func (a *api) dashboard(c *gin.Context) {
	day := c.Query("date")
	if day == "" {
		day = foodstore.Day(time.Now())
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		fail(c, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	d, err := a.records.Dashboard(c.Request.Context(), day)
	if err != nil {
		a.logger.Error("dashboard query failed", slog.String("date", day), slog.String("error", err.Error()))
		fail(c, http.StatusInternalServerError, "Could not load daily totals.")
		return
	}
	success(c, http.StatusOK, d)
}

type customEntryRequest struct {
	Name  string  `json:"name"`
	Grams float64 `json:"grams"`
}

// logCustomFood logs a saved custom food by weight without a voice session.
func (a *api) logCustomFood(c *gin.Context) {
	var req customEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	e, err := a.records.LogCustomFood(c.Request.Context(), req.Name, req.Grams)
	switch {
	case err == nil:
		success(c, http.StatusCreated, e)
	case errors.Is(err, foodstore.ErrInvalid):
		fail(c, http.StatusBadRequest, "Name a custom food and a positive weight in grams.")
	case errors.Is(err, foodstore.ErrFoodNotFound):
		fail(c, http.StatusNotFound, "No custom food with that name.")
	default:
		a.logger.Error("log custom food failed", slog.String("name", req.Name), slog.String("error", err.Error()))
		fail(c, http.StatusInternalServerError, "Could not log the entry.")
	}
}

func (a *api) deleteEntry(c *gin.Context) {
	if err := a.records.DeleteEntry(c.Request.Context(), c.Param("id")); err != nil {
		a.logger.Error("delete entry failed", slog.String("id", c.Param("id")), slog.String("error", err.Error()))
		fail(c, http.StatusInternalServerError, "Could not delete the entry.")
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) listCustomFoods(c *gin.Context) {
	foods, err := a.records.LookupCustomFoods(c.Request.Context())
	if err != nil {
		a.logger.Error("custom food lookup failed", slog.String("error", err.Error()))
		fail(c, http.StatusInternalServerError, "Could not load custom foods.")
		return
	}
	if foods == nil {
		foods = []nutrition.CustomFood{}
	}
	success(c, http.StatusOK, gin.H{"foods": foods})
}

func (a *api) addCustomFood(c *gin.Context) {
	var food nutrition.CustomFood
	if err := c.ShouldBindJSON(&food); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	food.Name = strings.TrimSpace(food.Name)
	if err := a.records.AddCustomFood(c.Request.Context(), food); err != nil {
		switch {
		case errors.Is(err, foodstore.ErrDuplicateFood):
			fail(c, http.StatusConflict, "A custom food with that name already exists.")
		case errors.Is(err, foodstore.ErrInvalid):
			fail(c, http.StatusBadRequest, "Custom foods need a name and non-negative values.")
		default:
			a.logger.Error("add custom food failed", slog.String("name", food.Name), slog.String("error", err.Error()))
			fail(c, http.StatusInternalServerError, "Could not save the custom food.")
		}
		return
	}
	success(c, http.StatusCreated, food)
}

func (a *api) goals(c *gin.Context) {
	g, err := a.records.Goals(c.Request.Context())
	if err != nil {
		a.logger.Error("goals query failed", slog.String("error", err.Error()))
		fail(c, http.StatusInternalServerError, "Could not load goals.")
		return
	}
	success(c, http.StatusOK, g)
}

func (a *api) setGoals(c *gin.Context) {
	var g foodstore.Goals
	if err := c.ShouldBindJSON(&g); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.records.SetGoals(c.Request.Context(), g); err != nil {
		if errors.Is(err, foodstore.ErrInvalid) {
			fail(c, http.StatusBadRequest, "Goals must not be negative.")
			return
		}
		a.logger.Error("save goals failed", slog.String("error", err.Error()))
		fail(c, http.StatusInternalServerError, "Could not save goals.")
		return
	}
	a.goals(c)
}
