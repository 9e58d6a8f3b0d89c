package handler

import (
	"net/http"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/capability"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/gin-gonic/gin"
)

// getClipboard reads the host clipboard through the registered
// capability.
func getClipboard(ctx *gin.Context) {
	result, err := capability.Invoke(ctx.Request.Context(), capability.ClipboardGet, nil)
	if err != nil {
		common.FailErr(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{`text`: result})
}

func setClipboard(ctx *gin.Context) {
	var form struct {
		Text string `json:"text"`
	}
	if err := ctx.ShouldBindJSON(&form); err != nil {
		common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, `text required`)
		return
	}
	if _, err := capability.Invoke(ctx.Request.Context(), capability.ClipboardSet, map[string]any{`text`: form.Text}); err != nil {
		common.FailErr(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{`ok`: true})
}

// getScreenshot returns a PNG capture when the host provides one.
func getScreenshot(ctx *gin.Context) {
	result, err := capability.Invoke(ctx.Request.Context(), capability.Screenshot, map[string]any{
		`display`: ctx.Query(`display`),
	})
	if err != nil {
		common.FailErr(ctx, err)
		return
	}
	data, ok := result.([]byte)
	if !ok {
		common.Fail(ctx, http.StatusInternalServerError, modules.CodeInternalError, `screenshot capability returned an unexpected type`)
		return
	}
	ctx.Data(http.StatusOK, `image/png`, data)
}

var mediaActions = map[string]string{
	`play_pause`: capability.MediaPlay,
	`next`:       capability.MediaNext,
	`previous`:   capability.MediaPrev,
	`volume`:     capability.VolumeSet,
}

func postMediaAction(ctx *gin.Context) {
	name, ok := mediaActions[ctx.Param(`action`)]
	if !ok {
		common.Fail(ctx, http.StatusNotFound, modules.CodeNotFound, `unknown media action`)
		return
	}
	params := map[string]any{}
	ctx.ShouldBindJSON(&params)
	if _, err := capability.Invoke(ctx.Request.Context(), name, params); err != nil {
		common.FailErr(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{`ok`: true})
}

var powerActions = map[string]string{
	`shutdown`: capability.PowerShutdown,
	`restart`:  capability.PowerRestart,
	`sleep`:    capability.PowerSleep,
	`lock`:     capability.PowerLock,
}

func postPowerAction(ctx *gin.Context) {
	action := ctx.Param(`action`)
	name, ok := powerActions[action]
	if !ok {
		common.Fail(ctx, http.StatusNotFound, modules.CodeNotFound, `unknown power action`)
		return
	}
	common.Info(ctx, `POWER_ACTION`, ``, ``, map[string]any{`action`: action})
	if _, err := capability.Invoke(ctx.Request.Context(), name, nil); err != nil {
		common.FailErr(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{`ok`: true})
}

var inputKinds = map[string]string{
	`key`:     capability.InputKey,
	`pointer`: capability.InputPointer,
	`text`:    capability.InputText,
}

func postInputAction(ctx *gin.Context) {
	name, ok := inputKinds[ctx.Param(`kind`)]
	if !ok {
		common.Fail(ctx, http.StatusNotFound, modules.CodeNotFound, `unknown input kind`)
		return
	}
	params := map[string]any{}
	if err := ctx.ShouldBindJSON(&params); err != nil {
		common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, `invalid input payload`)
		return
	}
	if _, err := capability.Invoke(ctx.Request.Context(), name, params); err != nil {
		common.FailErr(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{`ok`: true})
}
