package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Deps are the read-side services exposed over HTTP.
type Deps struct {
	DB        Pinger
	Outcomes  OutcomeReader
	Tickers   TickerReader
	Providers HealthReporter
	Logger    *zap.Logger
	Debug     bool
}

// NewEngine builds the gin engine with every handler registered.
func NewEngine(d Deps) *gin.Engine {
	if d.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger.Named("http")))

	(&HealthHandler{DB: d.DB}).Register(engine)
	(&OutcomeHandler{Outcomes: d.Outcomes}).Register(engine)
	(&TickerHandler{Tickers: d.Tickers, Providers: d.Providers}).Register(engine)
	return engine
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}
