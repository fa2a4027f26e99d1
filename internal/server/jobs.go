package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) RunTransferJob(c *gin.Context) {
	summary, err := s.transfers.Run(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) RunPayoutJob(c *gin.Context) {
	summary, err := s.payouts.Run(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}
