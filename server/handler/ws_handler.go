package handler

import (
	"net/http"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/auth"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/hub"
	"github.com/gin-gonic/gin"
)

// getDeviceWS upgrades a paired device to its event stream. The
// device WebSocket is the authoritative presence signal.
func getDeviceWS(ctx *gin.Context) {
	if ctx.GetString(`AuthClass`) != auth.ClassDevice {
		common.Fail(ctx, http.StatusForbidden, modules.CodeInvalidCredential, `device credential required`)
		return
	}
	device, _ := ctx.Get(`AuthDevice`)
	d, ok := device.(*modules.Device)
	if !ok {
		common.Fail(ctx, http.StatusInternalServerError, modules.CodeInternalError, `missing device context`)
		return
	}
	if err := events.HandleRequest(hub.ClassDevice, d.ID, ctx.Writer, ctx.Request); err != nil {
		common.Warn(ctx, `WS_UPGRADE`, `fail`, err.Error(), map[string]any{`device_id`: d.ID})
	}
}

// getOperatorWS upgrades a browser session to the UI event stream.
func getOperatorWS(ctx *gin.Context) {
	if err := events.HandleRequest(hub.ClassOperator, `operator`, ctx.Writer, ctx.Request); err != nil {
		common.Warn(ctx, `WS_UPGRADE`, `fail`, err.Error(), nil)
	}
}
