package httpserver

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const authSubjectKey = "auth_subject"

// bearerAuth validates HS256 bearer tokens and stores the token subject in
// the request context. Requests without a valid token never reach the
// handler.
func bearerAuth(signingKey []byte, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		rawToken, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(rawToken) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims := jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(rawToken, &claims, func(*jwt.Token) (any, error) {
			return signingKey, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
		)
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		ctx.Set(authSubjectKey, claims.Subject)
		ctx.Next()
	}
}

func authSubject(ctx *gin.Context) string {
	subject, _ := ctx.Value(authSubjectKey).(string)
	return subject
}
