package handler

import (
	"net/http"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/registry"
	"github.com/gin-gonic/gin"
)

// getDevices lists paired devices with their live connection state.
// Device keys never leave the server after pairing.
func getDevices(ctx *gin.Context) {
	list := registry.List()
	out := make([]gin.H, 0, len(list))
	for _, device := range list {
		online := false
		if events != nil {
			online = events.DeviceOnline(device.ID)
		}
		out = append(out, gin.H{
			`id`:          device.ID,
			`name`:        device.Name,
			`platform`:    device.Platform,
			`ip`:          device.IP,
			`approved_at`: device.ApprovedAt,
			`last_seen`:   device.LastSeen,
			`online`:      online,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{`devices`: out})
}

// postDeviceRevoke invalidates one device credential. In-flight
// requests finish; the next one gets 401.
func postDeviceRevoke(ctx *gin.Context) {
	var form struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&form); err != nil {
		common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, `device_id required`)
		return
	}
	if !registry.Revoke(form.DeviceID) {
		common.Fail(ctx, http.StatusNotFound, modules.CodeNotFound, `no such device`)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{`revoked`: form.DeviceID})
}

// postDeviceRemoveAll revokes every paired device.
func postDeviceRemoveAll(ctx *gin.Context) {
	count := registry.RevokeAll()
	ctx.JSON(http.StatusOK, gin.H{`revoked_count`: count})
}
