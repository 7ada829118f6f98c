package response

import "github.com/gin-gonic/gin"

const (
	CodeSuccess = 0
)

const (
	ErrUnauthorized = 10001
	ErrForbidden    = 10003
)

const (
	ErrUserNotFound       = 20001
	ErrAccountDeactivated = 20002
	ErrBadRequest         = 20004
)

const (
	ErrBalanceExhausted = 50001
)

const (
	ErrPurchaseNotFound = 60001
	ErrPurchaseClosed   = 60002
)

const (
	ErrInternal = 99999
)

type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func Success(c *gin.Context, data any) {
	c.JSON(200, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
	})
}
