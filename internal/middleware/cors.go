package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS 允许浏览器前端跨域访问。origins 为空时放行所有来源。
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"Retry-After"}, // 429 时前端要读到冷却时间
		MaxAge:         300,
	})
}
