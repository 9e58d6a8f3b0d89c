// Package handler assembles the gin router: every REST route, its
// middleware chain and the two WebSocket endpoints. Middleware order
// is fixed: request-id, recovery, rate limit (login and pairing only),
// auth, service toggle, handler.
package handler

import (
	"net/http"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/auth"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/config"
	"github.com/BYTEDz/PCLink/server/credentials"
	"github.com/BYTEDz/PCLink/server/hub"
	"github.com/BYTEDz/PCLink/server/pairing"
	"github.com/BYTEDz/PCLink/server/registry"
	"github.com/gin-gonic/gin"
)

// Lifecycle lets the router drive the listener without importing the
// server package. The server fills these in before serving.
var Lifecycle struct {
	Restart  func()
	Shutdown func()
	// SetupDone fires once the operator completes first-time setup, so
	// the server can start announcing itself.
	SetupDone func()
}

var (
	identity *credentials.Identity
	events   *hub.Hub
)

// InitRouter builds the full route table.
func InitRouter(id *credentials.Identity, h *hub.Hub) *gin.Engine {
	identity = id
	events = h
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(common.RequestID(), common.Recovery())

	engine.GET(`/status`, getStatus)
	engine.GET(`/qr-payload`, getQRPayload)
	engine.POST(`/pairing/request`, auth.RateLimit(pairing.RequestLimiter), postPairingRequest)

	engine.POST(`/auth/setup`, postAuthSetup)
	engine.POST(`/auth/login`, auth.RateLimit(auth.LoginLimiter), postAuthLogin)
	engine.GET(`/auth/status`, getAuthStatus)

	authed := engine.Group(`/`, auth.Middleware())
	{
		authed.GET(`/auth/check`, getAuthCheck)
		authed.POST(`/auth/logout`, postAuthLogout)
		authed.POST(`/auth/change-password`, auth.OperatorOnly(), postChangePassword)
		authed.POST(`/auth/rotate-key`, auth.OperatorOnly(), postRotateKey)

		operator := authed.Group(`/`, auth.OperatorOnly())
		{
			operator.GET(`/devices`, getDevices)
			operator.POST(`/devices/revoke`, postDeviceRevoke)
			operator.POST(`/devices/remove-all`, postDeviceRemoveAll)

			operator.GET(`/pairing/pending`, getPairingPending)
			operator.POST(`/pairing/approve`, postPairingApprove)
			operator.POST(`/pairing/deny`, postPairingDeny)

			operator.GET(`/toggles`, getToggles)
			operator.PATCH(`/toggles`, patchToggles)

			operator.GET(`/transfers/active`, getTransfersActive)
			operator.GET(`/transfers/cleanup/status`, getCleanupStatus)
			operator.PATCH(`/transfers/cleanup/config`, patchCleanupConfig)
			operator.POST(`/transfers/cleanup/execute`, postCleanupExecute)

			operator.GET(`/info/system`, getSystemInfo)

			operator.POST(`/server/start`, postServerStart)
			operator.POST(`/server/stop`, postServerStop)
			operator.POST(`/server/restart`, postServerRestart)
			operator.POST(`/server/shutdown`, postServerShutdown)
		}

		files := authed.Group(`/files`, auth.ToggleGate(config.ToggleFileBrowser))
		{
			files.POST(`/upload`, postUploadInitiate)
			files.GET(`/upload/:id/status`, getUploadStatus)
			files.POST(`/upload/:id/pause`, postUploadPause)
			files.POST(`/upload/:id/resume`, postUploadResume)
			files.DELETE(`/upload/:id`, deleteUpload)
			files.GET(`/download/*path`, getDownload)
			files.GET(`/stream`, getStream)
			// One PUT catch-all: `upload/{id}/{chunk}` is a chunk write,
			// anything else is a direct upload target path.
			files.PUT(`/*path`, putFiles)
		}

		host := authed.Group(`/host`)
		{
			clipboard := host.Group(`/clipboard`, auth.ToggleGate(config.ToggleClipboard))
			clipboard.GET(``, getClipboard)
			clipboard.POST(``, setClipboard)

			host.GET(`/screenshot`, auth.ToggleGate(config.ToggleScreen), getScreenshot)

			media := host.Group(`/media`, auth.ToggleGate(config.ToggleMedia))
			media.POST(`/:action`, postMediaAction)

			power := host.Group(`/power`, auth.ToggleGate(config.TogglePower), auth.OperatorOnly())
			power.POST(`/:action`, postPowerAction)

			input := host.Group(`/input`, auth.ToggleGate(config.ToggleInput))
			input.POST(`/:kind`, postInputAction)
		}

		authed.GET(`/ws`, getDeviceWS)
		authed.GET(`/ws/ui`, auth.OperatorOnly(), getOperatorWS)
	}

	engine.NoRoute(func(ctx *gin.Context) {
		common.Fail(ctx, http.StatusNotFound, modules.CodeNotFound, `no such endpoint`)
	})
	return engine
}

// ownerID resolves the authenticated principal for transfer ownership:
// the device id for key auth, the operator sentinel for sessions.
func ownerID(ctx *gin.Context) string {
	if device, ok := ctx.Get(`AuthDevice`); ok {
		if d, ok := device.(*modules.Device); ok {
			return d.ID
		}
	}
	return registry.ServerDeviceID
}
