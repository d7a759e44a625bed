package auth

import (
	"net/http"
	"strings"
)

// TokenFromRequest 先看 Authorization: Bearer，再看 ?token=（浏览器 websocket 不能带头）
func TokenFromRequest(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
			return strings.TrimSpace(authz[7:])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
