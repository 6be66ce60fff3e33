// Package middleware provides Gin middleware for the local control API.
package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// LocalOnly rejects requests whose TCP peer is not a loopback address.
// Forwarding headers are ignored.
func LocalOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isLoopbackPeer(c.Request.RemoteAddr) {
			log.Warnf("rejected control request from non-local peer %s", c.Request.RemoteAddr)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "control API is only available locally"})
			return
		}
		c.Next()
	}
}

func isLoopbackPeer(remoteAddr string) bool {
	host := strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
