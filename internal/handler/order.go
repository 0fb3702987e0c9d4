// Package handler HTTP 入口：下单与风控运维接口
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mb6226/iranvault/internal/events"
	"github.com/mb6226/iranvault/internal/gateway"
	commonerrors "github.com/mb6226/iranvault/pkg/errors"
	"github.com/mb6226/iranvault/pkg/logger"
	"github.com/mb6226/iranvault/pkg/response"
)

const maxBodyBytes = 1 << 20

// Submitter 下单
type Submitter interface {
	Submit(ctx context.Context, req events.OrderRequest) (gateway.Outcome, error)
}

// OrderHandler POST /orders
type OrderHandler struct {
	gw  Submitter
	log *logger.Logger
}

// NewOrderHandler 创建下单 handler
func NewOrderHandler(gw Submitter, log *logger.Logger) *OrderHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &OrderHandler{gw: gw, log: log}
}

func (h *OrderHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		response.WriteErrorCode(w, r, commonerrors.CodeMethodNotAllowed, "method not allowed")
		return
	}

	var req events.OrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "invalid request body")
		return
	}

	out, err := h.gw.Submit(r.Context(), req)
	if err != nil {
		var appErr *commonerrors.Error
		switch {
		case errors.As(err, &appErr):
			response.WriteError(w, r, appErr)
		case errors.Is(err, context.Canceled):
			// 客户端已断开
			h.log.WithContext(r.Context()).Debug("order request cancelled by client")
		default:
			h.log.WithContext(r.Context()).WithError(err).Error("submit order failed")
			response.WriteErrorCode(w, r, commonerrors.CodeInternal, "internal error")
		}
		return
	}

	response.WriteJSON(w, outcomeStatus(out.Status), out)
}

func outcomeStatus(s gateway.Status) int {
	switch s {
	case gateway.StatusApproved:
		return http.StatusOK
	case gateway.StatusRejected:
		return http.StatusBadRequest
	case gateway.StatusTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
