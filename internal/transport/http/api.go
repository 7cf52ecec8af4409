package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/payout"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Service *app.LobbyService
	Payer   payout.Payer
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	Pprof    bool
}

type api struct {
	service *app.LobbyService
	payer   payout.Payer
}

// NewRouter returns the REST API, websocket endpoint and operational routes.
func NewRouter(cfg RouterConfig) *gin.Engine {
	e := gin.New()
	if cfg.Gatherer != nil {
		e.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	if cfg.Pprof {
		pprof.Register(e, "/debug/pprof")
	}
	e.Use(gin.Recovery(), requestLogger())

	e.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	e.GET("/ws", gin.WrapF(NewWSHandler(cfg.Service).ServeWS))

	a := &api{service: cfg.Service, payer: cfg.Payer}
	if a.payer == nil {
		a.payer = payout.NewLogPayer()
	}
	g := e.Group("/api/lobbies")
	g.POST("", a.createLobby)
	g.GET("/:code", a.getLobby)
	g.GET("/:code/results", a.getResults)
	g.POST("/:code/fund", a.fund)
	g.POST("/:code/distribute-rewards", a.distribute)
	g.DELETE("/:code", a.archive)
	return e
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.DebugContext(c.Request.Context(), "http: request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

func credential(c *gin.Context) string {
	return c.GetHeader("Authorization")
}

func writeError(c *gin.Context, err error) {
	e := domain.Convert(err)
	if e.Kind == domain.KindInternal || e.Kind == domain.KindUnavailable {
		slog.ErrorContext(c.Request.Context(), "http: request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": e})
}

type createLobbyBody struct {
	QuizID     string `json:"quizId" binding:"required"`
	BaseReward int    `json:"baseReward"`
	WithReward bool   `json:"withReward"`
}

func (a *api) createLobby(c *gin.Context) {
	var body createLobbyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, domain.ErrInvalidRequest.Wrap(err))
		return
	}
	ctx := c.Request.Context()
	lobby, err := a.service.CreateLobby(ctx, app.CreateLobbyRequest{
		Credential: credential(c),
		QuizID:     body.QuizID,
		BaseReward: body.BaseReward,
		WithReward: body.WithReward,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	info, err := a.service.Lobby(ctx, lobby.Code)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (a *api) getLobby(c *gin.Context) {
	info, err := a.service.Lobby(c.Request.Context(), c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (a *api) getResults(c *gin.Context) {
	entries, err := a.service.Results(c.Request.Context(), c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": app.NormalizeCode(c.Param("code")), "leaderboard": entries})
}

type fundBody struct {
	Amount decimal.Decimal `json:"amount"`
}

func (a *api) fund(c *gin.Context) {
	var body fundBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, domain.ErrInvalidRequest.Wrap(err))
		return
	}
	if err := a.service.FundRewardPool(c.Request.Context(), c.Param("code"), credential(c), body.Amount); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) distribute(c *gin.Context) {
	ctx := c.Request.Context()
	plan, err := a.service.DistributeRewards(ctx, c.Param("code"), credential(c))
	if err != nil {
		writeError(c, err)
		return
	}
	receipts := payout.Execute(ctx, a.payer, plan)
	c.JSON(http.StatusOK, gin.H{"plan": plan, "receipts": receipts})
}

func (a *api) archive(c *gin.Context) {
	if err := a.service.Archive(c.Request.Context(), c.Param("code"), credential(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
