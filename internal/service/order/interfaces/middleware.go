// internal/service/order/interfaces/middleware.go
package interfaces

import (
	"context"
	"net/http"

	"golang.org/x/time/rate"

	"fulcrum/internal/pkg/auth"
	"fulcrum/internal/pkg/logger"
)

// Actor 是从已验证 JWT 中提取的操作者身份。
// 身份只来自令牌，请求体里的任何身份字段都不被信任。
type Actor struct {
	ID   string
	Role string
}

type actorContextKey struct{}

// ActorFromContext 取出当前请求的操作者。
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}

// WithActor 注入操作者身份，测试夹具直接用它绕开令牌签发。
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// AuthMiddleware 校验 Bearer JWT 并把操作者身份放进请求上下文。
// 没带令牌、签名不对、过期，一律 401。
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := auth.ExtractBearer(r.Header.Get("Authorization"))
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := auth.ParseToken(jwtSecret, token)
			if err != nil {
				logger.Ctx(r.Context()).Warn().Err(err).Str("path", r.URL.Path).Msg("⚠️ rejected request with invalid token")
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			actor := Actor{ID: claims.Subject, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RateLimitMiddleware 对路由做全局限流，超限返回 429。
// webhook 入口用它抵御处理商侧的重放风暴。
func RateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
