package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/anyulbade/vpos-engine/internal/dto"
	"github.com/anyulbade/vpos-engine/internal/model"
	"github.com/anyulbade/vpos-engine/internal/repository"
	"github.com/anyulbade/vpos-engine/internal/service"
)

const idempotencyHeader = "Idempotency-Key"

type PaymentHandler struct {
	svc       *service.PaymentService
	reconcile *service.ReconcileService
}

func NewPaymentHandler(svc *service.PaymentService, reconcile *service.ReconcileService) *PaymentHandler {
	return &PaymentHandler{svc: svc, reconcile: reconcile}
}

func (h *PaymentHandler) Register(api *gin.RouterGroup) {
	payments := api.Group("/payments")
	payments.POST("", h.Create)
	payments.GET("", h.List)
	payments.GET("/:id", h.Get)
	payments.GET("/:id/transitions", h.Transitions)
	payments.POST("/:id/3ds", h.Complete3DS)
	payments.POST("/:id/capture", h.Capture)
	payments.POST("/:id/void", h.Void)
	payments.POST("/:id/refund", h.Refund)
	payments.POST("/:id/reconcile", h.Reconcile)
}

func (h *PaymentHandler) Create(c *gin.Context) {
	var req dto.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bindingErrors(err))
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorListResponse{
			Error:  "validation failed",
			Errors: []dto.ValidationError{{Field: "amount", Message: "must be a decimal number"}},
		})
		return
	}

	out, err := h.svc.Checkout(c.Request.Context(), service.CheckoutRequest{
		MerchantOrderID: req.MerchantOrderID,
		Amount:          amount,
		Currency:        model.Currency(strings.ToUpper(req.Currency)),
		PaymentType:     model.PaymentType(req.PaymentType),
		Installments:    req.Installments,
		Provider:        req.Provider,
		ThreeDSecure:    req.ThreeDSecure,
		Card: model.CardData{
			PAN:         req.Card.Number,
			ExpiryMonth: req.Card.ExpiryMonth,
			ExpiryYear:  req.Card.ExpiryYear,
			CVV:         req.Card.CVV,
			Holder:      req.Card.Holder,
		},
		IdempotencyKey: strings.TrimSpace(c.GetHeader(idempotencyHeader)),
		ClientIP:       c.ClientIP(),
		SuccessURL:     req.SuccessURL,
		FailURL:        req.FailURL,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	writeOutcome(c, out, true)
}

func (h *PaymentHandler) List(c *gin.Context) {
	p := dto.ParsePagination(c)
	filter := repository.TransactionFilter{
		Status:          model.Status(strings.ToUpper(c.Query("status"))),
		Provider:        c.Query("provider"),
		MerchantOrderID: c.Query("merchant_order_id"),
	}

	txns, total, err := h.svc.List(c.Request.Context(), filter, p.PageSize, p.Offset)
	if err != nil {
		_ = c.Error(err)
		return
	}

	data := make([]dto.PaymentResponse, len(txns))
	for i, txn := range txns {
		data[i] = dto.NewPaymentResponse(txn)
	}
	c.JSON(http.StatusOK, dto.PaymentListResponse{
		Data:       data,
		Pagination: dto.NewPagination(p.Page, p.PageSize, total),
	})
}

func (h *PaymentHandler) Get(c *gin.Context) {
	txn, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dto.NewPaymentResponse(txn))
}

func (h *PaymentHandler) Transitions(c *gin.Context) {
	trs, err := h.svc.Transitions(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": dto.NewTransitionResponses(trs)})
}

// Complete3DS receives the issuer's 3-D Secure result, either as the form
// the bank posts through the cardholder's browser or as JSON.
func (h *PaymentHandler) Complete3DS(c *gin.Context) {
	params, err := callbackParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorListResponse{Error: "unreadable callback"})
		return
	}
	result := model.ThreeDSResult{
		MDStatus: lookup(params, "mdStatus", "md_status"),
		ECI:      lookup(params, "eci"),
		CAVV:     lookup(params, "cavv"),
		XID:      lookup(params, "xid"),
		MD:       lookup(params, "md"),
	}
	if result.MDStatus == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorListResponse{
			Error:  "validation failed",
			Errors: []dto.ValidationError{{Field: "mdStatus", Message: "is required"}},
		})
		return
	}

	out, err := h.svc.Complete3DS(c.Request.Context(), c.Param("id"), result, params)
	if err != nil {
		_ = c.Error(err)
		return
	}
	writeOutcome(c, out, false)
}

func (h *PaymentHandler) Capture(c *gin.Context) {
	amount, ok := optionalAmount(c)
	if !ok {
		return
	}
	out, err := h.svc.Capture(c.Request.Context(), c.Param("id"), amount)
	if err != nil {
		_ = c.Error(err)
		return
	}
	writeOutcome(c, out, false)
}

func (h *PaymentHandler) Void(c *gin.Context) {
	out, err := h.svc.Void(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	writeOutcome(c, out, false)
}

func (h *PaymentHandler) Refund(c *gin.Context) {
	amount, ok := optionalAmount(c)
	if !ok {
		return
	}
	out, err := h.svc.Refund(c.Request.Context(), c.Param("id"), amount)
	if err != nil {
		_ = c.Error(err)
		return
	}
	writeOutcome(c, out, false)
}

func (h *PaymentHandler) Reconcile(c *gin.Context) {
	txn, err := h.reconcile.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dto.NewPaymentResponse(txn))
}

func writeOutcome(c *gin.Context, out model.Outcome, created bool) {
	status := http.StatusOK
	switch out.Kind {
	case model.OutcomeApproved:
		if created && !out.Duplicate {
			status = http.StatusCreated
		}
	case model.OutcomePending:
		status = http.StatusAccepted
	case model.OutcomeDeclined:
		status = http.StatusPaymentRequired
	case model.OutcomeError:
		status = http.StatusBadGateway
	}
	if out.Duplicate {
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(status, dto.NewOutcomeResponse(out))
}

// optionalAmount reads {"amount": "..."} when a body is present. It writes
// the 400 itself and reports false on bad input.
func optionalAmount(c *gin.Context) (*decimal.Decimal, bool) {
	var req dto.AmountRequest
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil, true
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, bindingErrors(err))
		return nil, false
	}
	if strings.TrimSpace(req.Amount) == "" {
		return nil, true
	}
	amt, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorListResponse{
			Error:  "validation failed",
			Errors: []dto.ValidationError{{Field: "amount", Message: "must be a decimal number"}},
		})
		return nil, false
	}
	return &amt, true
}

func callbackParams(c *gin.Context) (map[string]string, error) {
	params := make(map[string]string)
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var raw map[string]any
		if err := c.ShouldBindJSON(&raw); err != nil {
			return nil, err
		}
		for k, v := range raw {
			if s, ok := v.(string); ok {
				params[k] = s
			}
		}
		return params, nil
	}
	if err := c.Request.ParseForm(); err != nil {
		return nil, err
	}
	for k, vs := range c.Request.PostForm {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params, nil
}

// lookup returns the first of names present in params, ignoring case.
func lookup(params map[string]string, names ...string) string {
	for _, name := range names {
		if v, ok := params[name]; ok {
			return v
		}
		for k, v := range params {
			if strings.EqualFold(k, name) {
				return v
			}
		}
	}
	return ""
}

func bindingErrors(err error) dto.ErrorListResponse {
	resp := dto.ErrorListResponse{Error: "validation failed"}
	var ves validator.ValidationErrors
	if errors.As(err, &ves) {
		for _, fe := range ves {
			resp.Errors = append(resp.Errors, dto.ValidationError{
				Field:   fe.Namespace(),
				Message: "failed on " + fe.Tag(),
			})
		}
		return resp
	}
	resp.Error = "malformed request body"
	return resp
}
