package middleware

import (
	midsec "ppchat/middleware/security"

	"github.com/gin-gonic/gin"
)

// RouteOpt 路由选项。AdminToken 非空时挂管理令牌校验
type RouteOpt struct {
	AdminToken string
}

func (o RouteOpt) chain(h gin.HandlerFunc) []gin.HandlerFunc {
	if o.AdminToken == "" {
		return []gin.HandlerFunc{h}
	}
	return []gin.HandlerFunc{midsec.Middleware(midsec.DefaultOptions(o.AdminToken)), h}
}

// POST 封装
func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.POST(path, opt.chain(handler)...)
}

// GET 封装
func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.GET(path, opt.chain(handler)...)
}
