package middleware

import (
	"net/http"

	"ppchat/tools/errs"

	"github.com/gin-gonic/gin"
)

// Origin 浏览器跨域握手校验。allowed 为空不校验；没有 Origin 头的非浏览器客户端放行
func Origin(allowed []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	all := false
	for _, o := range allowed {
		if o == "*" {
			all = true
		}
		set[o] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if len(set) == 0 || all || origin == "" {
			c.Next()
			return
		}
		if _, ok := set[origin]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": errs.ErrForbidden.Reason, "message": "origin not allowed"})
			return
		}
		c.Next()
	}
}
