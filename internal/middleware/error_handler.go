package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/anyulbade/vpos-engine/internal/model"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

var kindStatus = map[model.ErrorKind]struct {
	status  int
	message string
}{
	model.KindValidation:             {http.StatusBadRequest, "invalid request"},
	model.KindCapabilityUnsupported:  {http.StatusUnprocessableEntity, "operation not supported by the payment provider"},
	model.KindInvalidStateTransition: {http.StatusConflict, "operation not allowed in the current payment state"},
	model.KindIdempotencyMismatch:    {http.StatusUnprocessableEntity, "idempotency key was used with a different request"},
	model.KindInProgress:             {http.StatusConflict, "an identical request is still being processed"},
	model.KindDuplicateSubmission:    {http.StatusConflict, "duplicate submission"},
	model.KindNotFound:               {http.StatusNotFound, "resource not found"},
	model.KindGatewayDeclined:        {http.StatusPaymentRequired, "payment was declined"},
	model.KindGatewayTimeout:         {http.StatusGatewayTimeout, "the bank did not respond in time"},
	model.KindGatewayError:           {http.StatusBadGateway, "the bank could not process the request"},
}

// MapError renders err for an API client. Only validation errors carry
// details; gateway codes and internal causes stay in the logs.
func MapError(err error) (int, ErrorResponse) {
	var pe *model.PaymentError
	if errors.As(err, &pe) {
		m := kindStatus[pe.Kind]
		resp := ErrorResponse{Error: m.message, Kind: string(pe.Kind)}
		if pe.Kind == model.KindValidation {
			resp.Details = pe.Detail
		}
		if m.status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("kind", string(pe.Kind)).Msg("gateway failure")
		}
		return m.status, resp
	}
	if kind := model.KindOf(err); kind != "" {
		m := kindStatus[kind]
		return m.status, ErrorResponse{Error: m.message, Kind: string(kind)}
	}
	return MapDBError(err)
}

func MapDBError(err error) (int, ErrorResponse) {
	if errors.Is(err, pgx.ErrNoRows) {
		return http.StatusNotFound, ErrorResponse{Error: "resource not found"}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return http.StatusConflict, ErrorResponse{Error: "resource already exists"}
		case "22001": // string_data_right_truncation
			return http.StatusBadRequest, ErrorResponse{Error: "value too long", Details: pgErr.ColumnName}
		case "23514": // check_violation
			return http.StatusBadRequest, ErrorResponse{Error: "constraint violation", Details: pgErr.ConstraintName}
		case "40001": // serialization_failure
			return http.StatusConflict, ErrorResponse{Error: "concurrent update, retry the request"}
		}
	}

	log.Error().Err(err).Msg("unhandled error")
	return http.StatusInternalServerError, ErrorResponse{Error: "internal server error"}
}

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			err := c.Errors.Last().Err
			status, resp := MapError(err)
			c.JSON(status, resp)
		}
	}
}
