package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body is the response envelope for every endpoint.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

func created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Body{Success: false, Error: msg})
}

// failWith reports an error alongside data the caller still needs, such as a
// payment left captured_allocation_failed.
func failWith(c *gin.Context, status int, msg string, data interface{}) {
	c.AbortWithStatusJSON(status, Body{Success: false, Data: data, Error: msg})
}
