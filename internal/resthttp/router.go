// Package resthttp assembles the HTTP surface: the REST read side, the
// websocket endpoint, health and metrics.
package resthttp

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openride/dispatch/internal/gateway"
)

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(environment, corsOrigins string, h *Handler, gw *gateway.Gateway) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CorrelationID())
	r.Use(RequestLogger())
	r.Use(CORS(corsOrigins))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ws", gw.HandleWS)

	rides := r.Group("/ride-requests")
	{
		rides.POST("", h.CreateRideRequest)
		rides.GET("/available", h.ListAvailable)
		rides.GET("/user/:userId", h.ListUserRequests)
		rides.GET("/:id", h.GetRideRequest)
		rides.GET("/:id/bids", h.ListBids)
		rides.POST("/:id/bids/:bidId/accept", h.AcceptBid)
		rides.POST("/:id/cancel", h.CancelRideRequest)
	}

	riders := r.Group("/riders")
	{
		riders.POST("", h.RegisterRider)
		riders.GET("/:id", h.GetRider)
	}

	drivers := r.Group("/drivers")
	{
		drivers.POST("", h.RegisterDriver)
		drivers.GET("/:id", h.GetDriver)
	}

	return r
}
