package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"ppchat/tools/errs"

	"github.com/gin-gonic/gin"
)

// PPCtxAdminKey 校验通过后写入 context，值为 true
const PPCtxAdminKey = "admin"

type Options struct {
	Token string
	// 除 Authorization: Bearer 外额外读取的头
	HeaderToken string
}

func DefaultOptions(token string) *Options {
	return &Options{
		Token:       token,
		HeaderToken: "X-Admin-Token",
	}
}

// Middleware 管理接口令牌校验；未配置令牌时一律拒绝
func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions("")
	}
	want := []byte(opts.Token)
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
		if token == "" {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
				token = strings.TrimSpace(authz[7:])
			}
		}
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": errs.ErrUnauthorized.Reason, "message": "admin token required"})
			return
		}
		c.Set(PPCtxAdminKey, true)
		c.Next()
	}
}
