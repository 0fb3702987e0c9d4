package handler

import (
	"net/http"
	"strings"

	"github.com/mb6226/iranvault/internal/config"
	"github.com/mb6226/iranvault/internal/risk"
	commonerrors "github.com/mb6226/iranvault/pkg/errors"
	"github.com/mb6226/iranvault/pkg/health"
	"github.com/mb6226/iranvault/pkg/logger"
	"github.com/mb6226/iranvault/pkg/response"
)

// RiskController 风控引擎的运维操作
type RiskController interface {
	Rules() *config.Rules
	Breaker() *risk.Breaker
	ReloadRules(path string) (*config.Rules, error)
}

// ControlHandler 规则查看、kill switch 开关与规则重载
type ControlHandler struct {
	engine    RiskController
	rulesPath string
	log       *logger.Logger
}

// NewControlHandler 创建运维 handler
func NewControlHandler(engine RiskController, rulesPath string, log *logger.Logger) *ControlHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &ControlHandler{engine: engine, rulesPath: rulesPath, log: log}
}

// Register 注册 /rules、/rules/reload、/kill-switch/，m 非 nil 时记录请求指标
func (h *ControlHandler) Register(mux *http.ServeMux, m HTTPObserver) {
	mux.Handle("/rules", Instrument("/rules", m, http.HandlerFunc(h.Rules)))
	mux.Handle("/rules/reload", Instrument("/rules/reload", m, http.HandlerFunc(h.Reload)))
	mux.Handle("/kill-switch/", Instrument("/kill-switch", m, http.HandlerFunc(h.KillSwitch)))
}

type rulesView struct {
	*config.Rules
	// 覆盖规则文件中的 killSwitch，返回当前生效值
	KillSwitch bool                 `json:"killSwitch"`
	Breaker    risk.BreakerSnapshot `json:"breaker"`
}

func (h *ControlHandler) view(rules *config.Rules) rulesView {
	snap := h.engine.Breaker().Snapshot()
	return rulesView{Rules: rules, KillSwitch: snap.KillSwitch, Breaker: snap}
}

// Rules GET /rules
func (h *ControlHandler) Rules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		response.WriteErrorCode(w, r, commonerrors.CodeMethodNotAllowed, "method not allowed")
		return
	}
	response.WriteJSON(w, http.StatusOK, h.view(h.engine.Rules()))
}

// KillSwitch POST /kill-switch/{true|false}
func (h *ControlHandler) KillSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		response.WriteErrorCode(w, r, commonerrors.CodeMethodNotAllowed, "method not allowed")
		return
	}

	var on bool
	switch strings.Trim(strings.TrimPrefix(r.URL.Path, "/kill-switch/"), "/") {
	case "true":
		on = true
	case "false":
	default:
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "kill switch state must be true or false")
		return
	}

	h.engine.Breaker().SetManual(on)
	h.log.WithContext(r.Context()).Warnf("kill switch set by operator", map[string]interface{}{
		"killSwitch": on,
		"requestId":  response.RequestIDFromRequest(r),
		"remoteAddr": r.RemoteAddr,
	})
	response.WriteJSON(w, http.StatusOK, h.engine.Breaker().Snapshot())
}

// Reload POST /rules/reload
func (h *ControlHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		response.WriteErrorCode(w, r, commonerrors.CodeMethodNotAllowed, "method not allowed")
		return
	}

	rules, err := h.engine.ReloadRules(h.rulesPath)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Error("reload risk rules failed")
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, h.view(rules))
}

// BreakerInfo /health 附加的 kill switch 信息
func BreakerInfo(b *risk.Breaker) health.InfoFunc {
	return func() map[string]interface{} {
		snap := b.Snapshot()
		return map[string]interface{}{
			"killSwitch":     snap.KillSwitch,
			"breakerState":   string(snap.State),
			"rejectionCount": snap.Rejections,
		}
	}
}
