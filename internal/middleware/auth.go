package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth returns a middleware that requires an HS256-signed bearer token in
// the Authorization header.
//
// exclude lists paths that bypass the check. An entry ending in "/*" matches
// every path under that prefix; any other entry must match exactly.
//
// Missing, malformed, expired or wrongly signed tokens get 401.
func JWTAuth(secret string, exclude []string) func(http.Handler) http.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (any, error) { return key, nil }

	exact := make(map[string]struct{}, len(exclude))
	var prefixes []string
	for _, p := range exclude {
		if prefix, ok := strings.CutSuffix(p, "/*"); ok {
			prefixes = append(prefixes, prefix+"/")
			continue
		}
		exact[p] = struct{}{}
	}
	excluded := func(path string) bool {
		if _, ok := exact[path]; ok {
			return true
		}
		for _, p := range prefixes {
			if strings.HasPrefix(path, p) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			tokenStr, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || tokenStr == "" {
				slog.Warn("auth: missing or malformed Authorization header",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				unauthorized(w)
				return
			}

			if _, err := parser.Parse(tokenStr, keyFunc); err != nil {
				slog.Warn("auth: invalid JWT",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", err,
				)
				unauthorized(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="minilb"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
