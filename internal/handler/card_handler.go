package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/anyulbade/vpos-engine/internal/dto"
	"github.com/anyulbade/vpos-engine/internal/service"
)

type CardHandler struct {
	svc *service.PaymentService
}

func NewCardHandler(svc *service.PaymentService) *CardHandler {
	return &CardHandler{svc: svc}
}

func (h *CardHandler) Register(api *gin.RouterGroup) {
	api.GET("/cards/:token", h.Get)
}

func (h *CardHandler) Get(c *gin.Context) {
	tok, err := h.svc.Card(c.Request.Context(), c.Param("token"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dto.CardResponse{
		Token:     tok.Token,
		MaskedPAN: tok.MaskedPAN,
		Brand:     tok.Brand,
		Last4:     tok.Last4,
		Expiry:    tok.ExpiryYYMM,
	})
}
