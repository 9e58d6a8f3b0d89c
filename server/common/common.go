// Package common carries the helpers every handler package leans on:
// client IP extraction, the request-id middleware, uniform error
// responses and the blocking event-trigger table.
package common

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GetAddrIP extracts the bare IP from a net.Addr.
func GetAddrIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	case *net.IPAddr:
		return a.IP.String()
	default:
		return addr.String()
	}
}

// GetRemoteAddr returns the client IP for a request. Forwarding headers
// are honored only for loopback peers; everything on the LAN talks to
// the listener directly.
func GetRemoteAddr(ctx *gin.Context) string {
	if remote := net.ParseIP(ctx.RemoteIP()); remote != nil {
		if remote.IsLoopback() {
			if forwarded := ctx.GetHeader(`X-Forwarded-For`); len(forwarded) > 0 {
				return strings.TrimSpace(strings.Split(forwarded, `,`)[0])
			}
			if realIP := ctx.GetHeader(`X-Real-IP`); len(realIP) > 0 {
				return realIP
			}
		}
		if ip := remote.To4(); ip != nil {
			return ip.String()
		}
		return remote.String()
	}
	addr := ctx.Request.RemoteAddr
	if pos := strings.LastIndex(addr, `:`); pos > -1 {
		return strings.Trim(addr[:pos], `[]`)
	}
	return addr
}

// RequestID injects a per-request id used to correlate log entries
// with 5xx responses.
func RequestID() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id := uuid.NewString()
		ctx.Set(`RequestID`, id)
		ctx.Header(`X-Request-ID`, id)
		ctx.Next()
	}
}

// Fail aborts the request with the uniform {code, detail} error body
// and logs it. 5xx log at error, everything else at warn.
func Fail(ctx *gin.Context, status int, code, detail string) {
	args := map[string]any{`code`: code, `status_code`: status, `path`: ctx.Request.URL.Path}
	if status >= http.StatusInternalServerError {
		Error(ctx, `REQUEST_FAIL`, `fail`, detail, args)
	} else {
		Warn(ctx, `REQUEST_FAIL`, `fail`, detail, args)
	}
	ctx.AbortWithStatusJSON(status, modules.Error{Code: code, Detail: detail})
}

// statusFor maps a stable error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case modules.CodeMissingCredential, modules.CodeInvalidCredential, modules.CodeRevokedCredential:
		return http.StatusUnauthorized
	case modules.CodeServiceDisabled, modules.CodePathForbidden, modules.CodePairingDenied:
		return http.StatusForbidden
	case modules.CodeRateLimited:
		return http.StatusTooManyRequests
	case modules.CodePathInvalid, modules.CodeInvalidParameter, modules.CodeSizeMismatch,
		modules.CodeChunkOutOfRange, modules.CodePairingInvalidName:
		return http.StatusBadRequest
	case modules.CodeConflictExists, modules.CodeTransferPaused:
		return http.StatusConflict
	case modules.CodeTransferStale, modules.CodeTransferCancelled:
		return http.StatusGone
	case modules.CodePairingTimeout:
		return http.StatusRequestTimeout
	case modules.CodeNotFound:
		return http.StatusNotFound
	case modules.CodeDiskFull:
		return http.StatusInsufficientStorage
	case modules.CodeCapabilityUnavailable:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// FailErr is Fail for an error value carrying a stable code; any other
// error becomes a 500 internal_error.
func FailErr(ctx *gin.Context, err error) {
	var coded *modules.Error
	if errors.As(err, &coded) {
		Fail(ctx, statusFor(coded.Code), coded.Code, coded.Detail)
		return
	}
	Fail(ctx, http.StatusInternalServerError, modules.CodeInternalError, err.Error())
}

// Recovery converts handler panics into a 500 carrying an opaque
// incident id that also lands in the log.
func Recovery() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				incident := uuid.NewString()
				Error(ctx, `PANIC`, `fail`, ``, map[string]any{
					`incident_id`: incident,
					`panic`:       r,
				})
				ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					`code`:        modules.CodeInternalError,
					`detail`:      `internal server error`,
					`incident_id`: incident,
				})
			}
		}()
		ctx.Next()
	}
}
