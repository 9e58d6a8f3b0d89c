// Package auth validates per-request credentials and enforces service
// toggles. A request authenticates either with an X-API-Key header
// (device key or the server key) or with the operator session cookie.
package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/config"
	"github.com/BYTEDz/PCLink/server/registry"
	"github.com/BYTEDz/PCLink/utils"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// Auth classes stored under the AuthClass context key.
const (
	ClassDevice   = `device`
	ClassServer   = `server`
	ClassOperator = `operator`
)

// LoginLimiter throttles failed password attempts: 5 per source IP per
// 15 minutes.
var LoginLimiter = NewLimiter(5, 15*time.Minute, 4096)

// Middleware authenticates every request passing through it and leaves
// AuthClass (and AuthDevice for key auth) on the context.
func Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ip := common.GetRemoteAddr(ctx)
		if key := ctx.GetHeader(`X-API-Key`); len(key) > 0 {
			device, err := registry.Authorize(key, ip)
			if err != nil {
				status := http.StatusUnauthorized
				code := modules.CodeInvalidCredential
				if errors.Is(err, registry.ErrRevoked) {
					code = modules.CodeRevokedCredential
				}
				common.Fail(ctx, status, code, `credential rejected`)
				return
			}
			ctx.Set(`AuthDevice`, device)
			ctx.Set(`AuthClass`, utils.If(device.ID == registry.ServerDeviceID, ClassServer, ClassDevice))
			ctx.Next()
			return
		}
		if token, err := ctx.Cookie(SessionCookie); err == nil && ValidateSession(token, ip) {
			ctx.Set(`AuthClass`, ClassOperator)
			ctx.Next()
			return
		}
		common.Fail(ctx, http.StatusUnauthorized, modules.CodeMissingCredential, `authentication required`)
	}
}

// OperatorOnly restricts a route to operator sessions and the server
// key (the operator's own tooling).
func OperatorOnly() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		class := ctx.GetString(`AuthClass`)
		if class != ClassOperator && class != ClassServer {
			common.Fail(ctx, http.StatusForbidden, modules.CodeInvalidCredential, `operator access required`)
			return
		}
		ctx.Next()
	}
}

// ToggleGate rejects the request with service_disabled when the named
// service toggle is off.
func ToggleGate(toggle string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !config.ToggleEnabled(toggle) {
			common.Fail(ctx, http.StatusForbidden, modules.CodeServiceDisabled, `service `+toggle+` is disabled`)
			return
		}
		ctx.Next()
	}
}

// RateLimit responds 429 when the per-IP limiter runs dry.
func RateLimit(limiter *Limiter) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !limiter.Allow(common.GetRemoteAddr(ctx)) {
			common.Fail(ctx, http.StatusTooManyRequests, modules.CodeRateLimited, `too many requests`)
			return
		}
		ctx.Next()
	}
}

// SetupPassword stores the initial operator password. Refused once
// setup has completed.
func SetupPassword(password string) error {
	if config.Config.SetupCompleted {
		return errors.New(`setup already completed`)
	}
	if len(password) < 8 {
		return errors.New(`password must be at least 8 characters`)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	config.Config.PasswordHash = string(hash)
	config.Config.SetupCompleted = true
	if len(config.Config.AllowedRoots) == 0 {
		config.Config.AllowedRoots = config.DefaultAllowedRoots()
	}
	return config.Save()
}

// VerifyPassword checks the operator password with a constant-time
// bcrypt comparison.
func VerifyPassword(password string) bool {
	if !config.Config.SetupCompleted || len(config.Config.PasswordHash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(config.Config.PasswordHash), []byte(password)) == nil
}

// ChangePassword swaps the operator password and revokes every open
// session.
func ChangePassword(oldPassword, newPassword string) error {
	if !VerifyPassword(oldPassword) {
		return errors.New(`current password is incorrect`)
	}
	if len(newPassword) < 8 {
		return errors.New(`password must be at least 8 characters`)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	config.Config.PasswordHash = string(hash)
	if err = config.Save(); err != nil {
		return err
	}
	RevokeAllSessions()
	common.Info(nil, `OPERATOR_PASSWORD_CHANGE`, `success`, ``, nil)
	return nil
}
