package auth

import (
	"context"

	"ppchat/module/user/session"
	"ppchat/tools/errs"
	"ppchat/tools/security"
)

// Identity 通过校验的连接身份
type Identity struct {
	UserID    string
	SessionID string
	Role      string
}

// Verifier 校验访问令牌，并查会话是否已被吊销
type Verifier interface {
	VerifyAccessToken(ctx context.Context, token string) (Identity, error)
}

type JWTVerifier struct {
	opts     security.Options
	sessions session.Store
}

var _ Verifier = (*JWTVerifier)(nil)

// NewJWTVerifier sessions 为 nil 时只做签名校验
func NewJWTVerifier(opts security.Options, sessions session.Store) *JWTVerifier {
	return &JWTVerifier{opts: opts, sessions: sessions}
}

func (v *JWTVerifier) VerifyAccessToken(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, errs.ErrUnauthorized.WrapMsg("missing token")
	}
	claims, err := security.Verify(v.opts, token)
	if err != nil {
		return Identity{}, errs.ErrUnauthorized.WrapMsg(err.Error())
	}
	id := Identity{UserID: claims.UserID(), SessionID: claims.SessionID, Role: claims.Role}
	if v.sessions == nil {
		return id, nil
	}
	s, err := v.sessions.Get(ctx, claims.SessionID)
	switch {
	case errs.ErrNotFound.Is(err):
		return Identity{}, errs.ErrUnauthorized.WrapMsg("unknown session", "sid", claims.SessionID)
	case err != nil:
		return Identity{}, err
	}
	if s.UserID != id.UserID {
		return Identity{}, errs.ErrUnauthorized.WrapMsg("session does not belong to subject", "sid", claims.SessionID)
	}
	if s.Revoked() {
		return Identity{}, errs.ErrSessionRevoked.WrapMsg("", "sid", claims.SessionID)
	}
	if id.Role == "" {
		id.Role = s.Role
	}
	return id, nil
}
