package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const HeaderIngestToken = "X-Ingest-Token"

// IngestTokenRequired checks X-Ingest-Token against the configured bcrypt
// hash. With no hash configured every collector is admitted.
func (s *Server) IngestTokenRequired() gin.HandlerFunc {
	hash := []byte(strings.TrimSpace(s.cfg.IngestTokenHash))
	return func(c *gin.Context) {
		if len(hash) == 0 {
			c.Next()
			return
		}
		token := strings.TrimSpace(c.GetHeader(HeaderIngestToken))
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}
