package controller

import (
	stderrors "errors"
	"net/http"

	"codesandbox/internal/dispatch/service"
	"codesandbox/pkg/errors"
	"codesandbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// RunRequest is the body of a run request.
type RunRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Input    string `json:"input"`
}

// RunResponse always carries displayable text in Output. Error holds the
// failure reason for failed submissions.
type RunResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// SandboxController handles run and listing requests.
type SandboxController struct {
	svc *service.Service
}

// NewSandboxController creates a new controller.
func NewSandboxController(svc *service.Service) *SandboxController {
	return &SandboxController{svc: svc}
}

// Run executes one submission synchronously.
func (h *SandboxController) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			response.ErrorWithCode(c, errors.CodeTooLarge, "request body too large")
			return
		}
		response.BadRequest(c, "invalid request body")
		return
	}

	res, err := h.svc.Submit(c.Request.Context(), service.Request{
		Language: req.Language,
		Code:     req.Code,
		Input:    req.Input,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	body := RunResponse{Output: res.Display()}
	if res.Failed {
		body.Error = res.Reason
	}
	response.Success(c, body)
}

// Languages lists the supported languages.
func (h *SandboxController) Languages(c *gin.Context) {
	response.Success(c, gin.H{"languages": h.svc.Languages()})
}

// Health reports liveness and slot usage.
func (h *SandboxController) Health(c *gin.Context) {
	stats := h.svc.Stats()
	response.Success(c, gin.H{
		"status":    "ok",
		"pool_size": stats.PoolSize,
		"in_flight": stats.InFlight,
	})
}
