package handler

import (
	"net/http"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/auth"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/config"
	"github.com/BYTEDz/PCLink/server/hub"
	"github.com/gin-gonic/gin"
)

const sessionMaxAge = 24 * 60 * 60

type passwordForm struct {
	Password string `json:"password" binding:"required"`
}

func setSessionCookie(ctx *gin.Context, token string, maxAge int) {
	ctx.SetSameSite(http.SameSiteStrictMode)
	ctx.SetCookie(auth.SessionCookie, token, maxAge, `/`, ``, true, true)
}

// postAuthSetup stores the first operator password and logs the
// browser in so setup flows straight into the dashboard.
func postAuthSetup(ctx *gin.Context) {
	var form passwordForm
	if err := ctx.ShouldBindJSON(&form); err != nil {
		common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, `password required`)
		return
	}
	if err := auth.SetupPassword(form.Password); err != nil {
		common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, err.Error())
		return
	}
	session := auth.CreateSession(common.GetRemoteAddr(ctx))
	setSessionCookie(ctx, session.Token, sessionMaxAge)
	if Lifecycle.SetupDone != nil {
		Lifecycle.SetupDone()
	}
	ctx.JSON(http.StatusOK, gin.H{`setup_completed`: true})
}

// postAuthLogin exchanges the operator password for a session cookie.
// Failures count against the per-IP login limiter feeding this route.
func postAuthLogin(ctx *gin.Context) {
	var form passwordForm
	if err := ctx.ShouldBindJSON(&form); err != nil {
		common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, `password required`)
		return
	}
	ip := common.GetRemoteAddr(ctx)
	if !auth.VerifyPassword(form.Password) {
		common.Warn(ctx, `OPERATOR_LOGIN`, `fail`, ``, map[string]any{`ip`: ip})
		common.Fail(ctx, http.StatusUnauthorized, modules.CodeInvalidCredential, `wrong password`)
		return
	}
	auth.LoginLimiter.Reset(ip)
	session := auth.CreateSession(ip)
	setSessionCookie(ctx, session.Token, sessionMaxAge)
	ctx.JSON(http.StatusOK, gin.H{`authenticated`: true})
}

// postAuthLogout revokes the presented session.
func postAuthLogout(ctx *gin.Context) {
	if token, err := ctx.Cookie(auth.SessionCookie); err == nil {
		auth.RevokeSession(token)
	}
	setSessionCookie(ctx, ``, -1)
	ctx.JSON(http.StatusOK, gin.H{`authenticated`: false})
}

// getAuthStatus is public: the UI asks it to choose between the setup
// wizard and the login form.
func getAuthStatus(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{`setup_completed`: config.Config.SetupCompleted})
}

// getAuthCheck confirms the caller's credential is still valid and
// names its class.
func getAuthCheck(ctx *gin.Context) {
	out := gin.H{`authenticated`: true, `class`: ctx.GetString(`AuthClass`)}
	if device, ok := ctx.Get(`AuthDevice`); ok {
		if d, ok := device.(*modules.Device); ok {
			out[`device_id`] = d.ID
			out[`device_name`] = d.Name
		}
	}
	ctx.JSON(http.StatusOK, out)
}

// postRotateKey mints a fresh server API key. Connected clients hear
// about it over the event stream; anything still holding the old key
// fails its next request.
func postRotateKey(ctx *gin.Context) {
	if err := identity.RotateAPIKey(); err != nil {
		common.Fail(ctx, http.StatusInternalServerError, modules.CodeInternalError, err.Error())
		return
	}
	if events != nil {
		events.Publish(hub.ClassOperator, modules.EventServerStatus, map[string]any{
			`status`: `api_key_rotated`,
		})
	}
	common.Info(ctx, `API_KEY_ROTATE`, `success`, ``, nil)
	ctx.JSON(http.StatusOK, gin.H{`api_key`: identity.APIKey()})
}

// postChangePassword swaps the operator password. Every session dies,
// including the caller's.
func postChangePassword(ctx *gin.Context) {
	var form struct {
		OldPassword string `json:"old_password" binding:"required"`
		NewPassword string `json:"new_password" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&form); err != nil {
		common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, `old_password and new_password required`)
		return
	}
	if err := auth.ChangePassword(form.OldPassword, form.NewPassword); err != nil {
		common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, err.Error())
		return
	}
	setSessionCookie(ctx, ``, -1)
	ctx.JSON(http.StatusOK, gin.H{`changed`: true})
}
