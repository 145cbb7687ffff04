// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// callerIDContextKey はリクエストコンテキストに呼び出し元IDを格納するためのキー。
var callerIDContextKey = contextKey("caller_id")

// NewAuthMiddleware はBearerトークン（HS256のJWT）を検証するミドルウェアを返す。
// 呼び出し元は決済レイヤーなどのサーバー間クライアントであり、
// subクレームを呼び出し元IDとしてリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewAuthMiddleware(secret []byte) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. AuthorizationヘッダーからBearerトークンを取得
			authHeader := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || tokenString == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			// 2. 署名と有効期限を検証
			token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				slog.Warn("トークンの検証に失敗しました",
					slog.String("path", r.URL.Path),
				)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			callerID, err := token.Claims.GetSubject()
			if err != nil || callerID == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			// 3. 呼び出し元IDをコンテキストに注入
			ctx := context.WithValue(r.Context(), callerIDContextKey, callerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerIDFromContext はリクエストコンテキストから呼び出し元IDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func CallerIDFromContext(ctx context.Context) (string, error) {
	callerID, ok := ctx.Value(callerIDContextKey).(string)
	if !ok || callerID == "" {
		return "", fmt.Errorf("caller ID not found in context")
	}
	return callerID, nil
}

// ContextWithCallerID はコンテキストに呼び出し元IDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithCallerID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerIDContextKey, callerID)
}
