package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

type ErrorBody struct {
	Kind    contractx.ErrorKind `json:"kind"`
	Reason  string              `json:"reason,omitempty"`
	Message string              `json:"message"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func statusFor(kind contractx.ErrorKind) int {
	switch kind {
	case contractx.KindValidation:
		return http.StatusBadRequest
	case contractx.KindNotFound:
		return http.StatusNotFound
	case contractx.KindSessionBusy:
		return http.StatusConflict
	case contractx.KindSessionClosed:
		return http.StatusGone
	case contractx.KindCancelled:
		return http.StatusRequestTimeout
	case contractx.KindPlanner:
		return http.StatusBadGateway
	case contractx.KindStorage:
		return http.StatusServiceUnavailable
	case contractx.KindBudgetExceeded:
		// the partial answer is still a usable response
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) ErrorBody {
	body := ErrorBody{Kind: contractx.KindOf(err), Message: err.Error()}
	var te *contractx.TurnError
	if errors.As(err, &te) {
		body.Reason = te.Reason
	}
	return body
}

func abortWithError(c *gin.Context, err error) {
	body := errorBody(err)
	c.AbortWithStatusJSON(statusFor(body.Kind), ErrorResponse{Error: body})
}
