package chat

import (
	"net/http"

	mid "ppchat/middleware"
	"ppchat/tools/errs"

	"github.com/gin-gonic/gin"
)

// Mount 挂载 /ws、/healthz 与内部管理接口。adminToken 为空时不挂管理接口
func (s *Server) Mount(r gin.IRouter, adminToken string) {
	r.GET("/ws", mid.Origin(s.opts.AllowedOrigins), s.HandleWS)
	r.GET("/healthz", s.handleHealth)
	if adminToken == "" {
		return
	}
	opt := mid.RouteOpt{AdminToken: adminToken}
	internal := r.Group("/internal")
	mid.POST(internal, "/sessions/:id/revoke", s.controlHandler(ControlRevokeSession), opt)
	mid.POST(internal, "/users/:id/ban", s.controlHandler(ControlBan), opt)
	mid.POST(internal, "/users/:id/revoke-all", s.controlHandler(ControlRevokeAll), opt)
}

type healthResp struct {
	Status      string `json:"status"`
	InstanceID  string `json:"instanceId"`
	Bus         bool   `json:"bus"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealth(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if s.ctx.Err() != nil {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}
	c.JSON(code, healthResp{
		Status:      status,
		InstanceID:  s.opts.InstanceID,
		Bus:         s.deps.Bus != nil && s.deps.Bus.Enabled(),
		Connections: s.reg.Count(),
	})
}

type controlReq struct {
	Reason string `json:"reason"`
}

// controlHandler 管理接口只负责把事件投进实时核心
func (s *Server) controlHandler(kind ControlKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req controlReq
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"code": errs.ErrInvalidPayload.Reason, "message": err.Error()})
				return
			}
		}
		ev := ControlEvent{Kind: kind, Reason: req.Reason}
		if kind == ControlRevokeSession {
			ev.SessionID = c.Param("id")
		} else {
			ev.UserID = c.Param("id")
		}
		if err := s.Submit(ev); err != nil {
			p := errorPayloadOf(err)
			code := http.StatusBadRequest
			if errs.ErrCapacityExceeded.Is(err) {
				code = http.StatusServiceUnavailable
			}
			c.JSON(code, gin.H{"code": p.Code, "message": p.Message})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"code": "ACCEPTED", "kind": kind})
	}
}
