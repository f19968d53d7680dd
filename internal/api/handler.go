package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/auth"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	headerUserID         = "X-User-ID"
	headerUserRole       = "X-User-Role"
	headerIdempotencyKey = "Idempotency-Key"
)

// ReadyCheck reports whether a dependency can serve traffic
type ReadyCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	carts     *service.CartService
	checkout  *service.CheckoutOrchestrator
	lifecycle *service.LifecycleManager
	ready     map[string]ReadyCheck
}

// NewHandler creates a new HTTP handler
func NewHandler(carts *service.CartService, checkout *service.CheckoutOrchestrator, lifecycle *service.LifecycleManager) *Handler {
	return &Handler{
		carts:     carts,
		checkout:  checkout,
		lifecycle: lifecycle,
		ready:     make(map[string]ReadyCheck),
	}
}

// AddReadyCheck registers a dependency checked by /ready
func (h *Handler) AddReadyCheck(name string, check ReadyCheck) {
	h.ready[name] = check
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(identityMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/cart", h.getCart)
		v1.DELETE("/cart", h.clearCart)
		v1.POST("/cart/items", h.addCartItem)
		v1.PATCH("/cart/items", h.updateCartItem)
		v1.DELETE("/cart/items", h.removeCartItem)

		v1.POST("/orders", h.placeOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/track/:code", h.getOrderByTracking)
		v1.POST("/orders/track/:code/status", h.advanceOrderStatus)
	}
}

// identityMiddleware attaches the identity forwarded by the authentication
// gateway. A request without a user id stays anonymous.
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(headerUserID)
		if userID == "" {
			c.Next()
			return
		}

		role, err := auth.ParseRole(c.GetHeader(headerUserRole))
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}

		id := &auth.Identity{UserID: userID, Role: role}
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

func caller(c *gin.Context) *auth.Identity {
	return auth.FromContext(c.Request.Context())
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not_ready",
			"time":    time.Now().Unix(),
			"details": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) getCart(c *gin.Context) {
	id := caller(c)
	cart, err := h.carts.GetCart(c.Request.Context(), id, id.Actor())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) clearCart(c *gin.Context) {
	id := caller(c)
	if err := h.carts.Clear(c.Request.Context(), id, id.Actor()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// cartMutation binds a CartItemRequest and applies op for the caller's own cart
func (h *Handler) cartMutation(c *gin.Context, status int,
	op func(context.Context, *auth.Identity, string, service.CartItemRequest) (*models.Cart, error)) {
	var req service.CartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	id := caller(c)
	cart, err := op(c.Request.Context(), id, id.Actor(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, cart)
}

func (h *Handler) addCartItem(c *gin.Context) {
	h.cartMutation(c, http.StatusCreated, h.carts.AddItem)
}

func (h *Handler) updateCartItem(c *gin.Context) {
	h.cartMutation(c, http.StatusOK, h.carts.UpdateQuantity)
}

func (h *Handler) removeCartItem(c *gin.Context) {
	h.cartMutation(c, http.StatusOK, h.carts.RemoveItem)
}

// placeOrder checks out the caller's cart
func (h *Handler) placeOrder(c *gin.Context) {
	id := caller(c)
	order, err := h.checkout.PlaceOrder(c.Request.Context(), id, id.Actor(), c.GetHeader(headerIdempotencyKey))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// listOrders lists the caller's orders; operators may pass ?user_id=
func (h *Handler) listOrders(c *gin.Context) {
	id := caller(c)
	userID := c.Query("user_id")
	if userID == "" {
		userID = id.Actor()
	}

	orders, err := h.lifecycle.ListForUser(c.Request.Context(), id, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrderByTracking is public
func (h *Handler) getOrderByTracking(c *gin.Context) {
	order, err := h.lifecycle.GetByTracking(c.Request.Context(), c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type advanceStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) advanceOrderStatus(c *gin.Context) {
	var req advanceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	order, err := h.lifecycle.AdvanceStatus(c.Request.Context(), c.Param("code"), models.OrderStatus(req.Status), caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// statusFor maps an error kind onto an HTTP status
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindEmptyCart, apperr.KindProductUnavailable:
		return http.StatusUnprocessableEntity
	case apperr.KindInsufficientStock, apperr.KindConflict, apperr.KindTransition:
		return http.StatusConflict
	case apperr.KindPaymentFailed:
		return http.StatusPaymentRequired
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	body := gin.H{"error": kind}
	appErr, ok := apperr.As(err)
	switch {
	case status == http.StatusInternalServerError:
		util.GetLogger().Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		body["message"] = "internal error"
	case ok:
		body["message"] = appErr.Message
		if len(appErr.Shortages) > 0 {
			body["details"] = appErr.Shortages
		} else if len(appErr.Products) > 0 {
			body["details"] = appErr.Products
		}
	default:
		body["message"] = err.Error()
	}

	c.JSON(status, body)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
