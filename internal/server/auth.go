package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// TriggerAuthRequired gates the job-trigger endpoints. The external scheduler
// signs each request with a short-lived HS256 token minted from the shared
// trigger secret; anything else is rejected before the job runs.
func (s *Server) TriggerAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		if err := s.verifyTriggerToken(token); err != nil {
			s.log.Warn("job trigger rejected",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Next()
	}
}

func (s *Server) verifyTriggerToken(token string) error {
	if s.cfg.TriggerJWTSecret == "" {
		return ErrUnauthorized
	}

	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(s.cfg.TriggerJWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return err
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
