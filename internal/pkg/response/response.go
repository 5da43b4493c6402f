package response

import (
	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/webapi/proxyutil"
)

type codeErr struct {
	code uint32
	msg  string
}

func (e codeErr) Error() string {
	return e.msg
}

func (e codeErr) Code() uint32 {
	return e.code
}

func AsCodeErr(code uint32, msg string) error {
	return codeErr{code: code, msg: msg}
}

type listBody struct {
	Items interface{} `json:"items"`
	Total int         `json:"total"`
}

func Success(c *gin.Context, data interface{}) {
	proxyutil.SuccessJson(c, data)
}

// List wraps a slice with its length.
func List(c *gin.Context, items interface{}, total int) {
	proxyutil.SuccessJson(c, listBody{Items: items, Total: total})
}

// Error replies with http 200 and an application error code.
func Error(c *gin.Context, code int, message string) {
	proxyutil.FailJson(c, 200, AsCodeErr(uint32(code), message))
}
