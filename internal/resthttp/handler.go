package resthttp

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/openride/dispatch/internal/auction"
	"github.com/openride/dispatch/internal/identity"
	"github.com/openride/dispatch/internal/models"
	"github.com/openride/dispatch/pkg/common"
	"github.com/openride/dispatch/pkg/pagination"
	"github.com/openride/dispatch/pkg/validation"
)

// Handler serves the non-realtime read/write surface. It shares the
// engine and registry with the websocket gateway; both transports expose
// the same domain model.
type Handler struct {
	engine   *auction.Engine
	registry *identity.Registry
}

// NewHandler creates the REST handler.
func NewHandler(engine *auction.Engine, registry *identity.Registry) *Handler {
	return &Handler{engine: engine, registry: registry}
}

// GetRideRequest handles GET /ride-requests/:id.
func (h *Handler) GetRideRequest(c *gin.Context) {
	req, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, err)
		return
	}
	common.SuccessResponse(c, req)
}

// ListAvailable handles GET /ride-requests/available.
func (h *Handler) ListAvailable(c *gin.Context) {
	reqs, err := h.engine.Available(c.Request.Context())
	if err != nil {
		common.ErrorResponse(c, err)
		return
	}
	common.SuccessResponse(c, gin.H{
		"requests": reqs,
		"count":    len(reqs),
	})
}

// ListUserRequests handles GET /ride-requests/user/:userId.
func (h *Handler) ListUserRequests(c *gin.Context) {
	params := pagination.ParseParams(c)
	reqs, total, err := h.engine.ListByUser(c.Request.Context(), c.Param("userId"), params.Limit, params.Offset())
	if err != nil {
		common.ErrorResponse(c, err)
		return
	}
	common.SuccessResponseWithPagination(c, reqs, pagination.BuildPagination(params, total))
}

// ListBids handles GET /ride-requests/:id/bids.
func (h *Handler) ListBids(c *gin.Context) {
	listing, err := h.engine.Bids(c.Request.Context(), c.Param("id"), auction.BidQuery{
		Status: models.BidStatus(c.Query("status")),
		SortBy: c.DefaultQuery("sortBy", auction.SortByFare),
		Order:  c.DefaultQuery("order", "asc"),
	})
	if err != nil {
		common.ErrorResponse(c, err)
		return
	}
	common.SuccessResponseWithStats(c, listing, listing.Stats)
}

type createRequestBody struct {
	UserID            string          `json:"userId"`
	RideType          string          `json:"rideType"`
	Pickup            models.Location `json:"pickupLocation"`
	Destination       models.Location `json:"destination"`
	ComfortPreference int             `json:"comfortPreference,omitempty"`
	FarePreference    int             `json:"farePreference,omitempty"`
}

// CreateRideRequest handles POST /ride-requests, the REST mirror of the
// ride:newRequest socket message.
func (h *Handler) CreateRideRequest(c *gin.Context) {
	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		common.ErrorResponse(c, common.NewValidationError("malformed request body", gin.H{"error": err.Error()}))
		return
	}

	req, err := h.engine.Create(c.Request.Context(), auction.CreateInput{
		UserID:            body.UserID,
		RideType:          body.RideType,
		Pickup:            body.Pickup,
		Destination:       body.Destination,
		ComfortPreference: body.ComfortPreference,
		FarePreference:    body.FarePreference,
	})
	if err != nil {
		common.ErrorResponse(c, err)
		return
	}
	common.CreatedResponse(c, req)
}

type acceptBidBody struct {
	UserID string `json:"userId"`
}

// AcceptBid handles POST /ride-requests/:id/bids/:bidId/accept.
func (h *Handler) AcceptBid(c *gin.Context) {
	var body acceptBidBody
	if err := c.ShouldBindJSON(&body); err != nil {
		common.ErrorResponse(c, common.NewValidationError("malformed request body", gin.H{"error": err.Error()}))
		return
	}

	req, err := h.engine.AcceptBid(c.Request.Context(), body.UserID, c.Param("id"), c.Param("bidId"))
	if err != nil {
		common.ErrorResponse(c, err)
		return
	}
	common.SuccessResponse(c, req)
}

type cancelBody struct {
	CallerID string `json:"callerId"`
	Reason   string `json:"reason,omitempty"`
}

// CancelRideRequest handles POST /ride-requests/:id/cancel.
func (h *Handler) CancelRideRequest(c *gin.Context) {
	var body cancelBody
	if err := c.ShouldBindJSON(&body); err != nil {
		common.ErrorResponse(c, common.NewValidationError("malformed request body", gin.H{"error": err.Error()}))
		return
	}
	// An empty caller skips the engine's party check; that shortcut is
	// reserved for internal callers like the expiry sweep.
	if body.CallerID == "" {
		common.ErrorResponse(c, common.NewValidationError("callerId is required", nil))
		return
	}

	req, err := h.engine.Cancel(c.Request.Context(), body.CallerID, c.Param("id"), body.Reason)
	if err != nil {
		common.ErrorResponse(c, err)
		return
	}
	common.SuccessResponse(c, req)
}

// RegisterRider handles POST /riders.
func (h *Handler) RegisterRider(c *gin.Context) {
	var profile identity.RiderProfile
	if err := decodeAndValidate(c, &profile); err != nil {
		common.ErrorResponse(c, err)
		return
	}

	rider, err := h.registry.CreateRider(c.Request.Context(), &profile)
	if err != nil {
		common.ErrorResponse(c, err)
		return
	}
	common.CreatedResponse(c, rider)
}

// GetRider handles GET /riders/:id.
func (h *Handler) GetRider(c *gin.Context) {
	rider, err := h.registry.GetRider(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, err)
		return
	}
	common.SuccessResponse(c, rider)
}

// RegisterDriver handles POST /drivers.
func (h *Handler) RegisterDriver(c *gin.Context) {
	var profile identity.DriverProfile
	if err := decodeAndValidate(c, &profile); err != nil {
		common.ErrorResponse(c, err)
		return
	}

	driver, err := h.registry.CreateDriver(c.Request.Context(), &profile)
	if err != nil {
		common.ErrorResponse(c, err)
		return
	}
	common.CreatedResponse(c, driver)
}

// GetDriver handles GET /drivers/:id.
func (h *Handler) GetDriver(c *gin.Context) {
	driver, err := h.registry.GetDriver(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, err)
		return
	}
	common.SuccessResponse(c, driver)
}

func decodeAndValidate(c *gin.Context, dst interface{}) error {
	decoder := json.NewDecoder(c.Request.Body)
	if err := decoder.Decode(dst); err != nil {
		return common.NewValidationError("malformed request body", gin.H{"error": err.Error()})
	}
	return validation.ValidateStruct(dst)
}
