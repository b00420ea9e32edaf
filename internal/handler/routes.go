package handler

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// Handle registers path with and without a trailing slash. Browser clients
// call "/list/" cross-origin, and a redirect to "/list" would skip the CORS
// middleware.
func Handle(r gin.IRoutes, method, path string, handlers ...gin.HandlerFunc) {
	trimmed := strings.TrimRight(path, "/")
	r.Handle(method, trimmed, handlers...)
	r.Handle(method, trimmed+"/", handlers...)
}
