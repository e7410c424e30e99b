package node

import (
	"context"

	"github.com/gin-gonic/gin"
)

// Node is an HTTP-hosted collaboration endpoint.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
	Serve(ctx context.Context) error
}
