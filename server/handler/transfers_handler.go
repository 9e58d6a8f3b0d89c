package handler

import (
	"net/http"
	"time"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/transfer"
	"github.com/gin-gonic/gin"
)

// getTransfersActive lists live sessions in both directions.
func getTransfersActive(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{`transfers`: transfer.Active()})
}

func getCleanupStatus(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, transfer.CleanupStatus())
}

// patchCleanupConfig updates the stale threshold in days.
func patchCleanupConfig(ctx *gin.Context) {
	var form struct {
		StaleAfterDays int `json:"stale_after_days" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&form); err != nil {
		common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, `stale_after_days required`)
		return
	}
	if err := transfer.SetStaleAfterDays(form.StaleAfterDays); err != nil {
		common.Fail(ctx, http.StatusInternalServerError, modules.CodeInternalError, err.Error())
		return
	}
	ctx.JSON(http.StatusOK, transfer.CleanupStatus())
}

// postCleanupExecute runs a sweep now and reports what it removed.
func postCleanupExecute(ctx *gin.Context) {
	uploads, downloads := transfer.CleanupStale()
	ctx.JSON(http.StatusOK, gin.H{
		`cleaned_uploads`:   uploads,
		`cleaned_downloads`: downloads,
	})
}

// Listener lifecycle. The response goes out before the action so the
// caller is not cut off mid-reply.

func postServerRestart(ctx *gin.Context) {
	if Lifecycle.Restart == nil {
		common.Fail(ctx, http.StatusInternalServerError, modules.CodeInternalError, `lifecycle not wired`)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{`status`: `restarting`})
	go func() {
		time.Sleep(200 * time.Millisecond)
		Lifecycle.Restart()
	}()
}

func postServerShutdown(ctx *gin.Context) {
	if Lifecycle.Shutdown == nil {
		common.Fail(ctx, http.StatusInternalServerError, modules.CodeInternalError, `lifecycle not wired`)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{`status`: `shutting_down`})
	go func() {
		time.Sleep(200 * time.Millisecond)
		Lifecycle.Shutdown()
	}()
}

// postServerStart exists for API symmetry: reaching it proves the
// listener is already up.
func postServerStart(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{`status`: `running`})
}

// postServerStop is an alias for shutdown; with a single TLS listener
// there is no half-stopped state to park in.
func postServerStop(ctx *gin.Context) {
	postServerShutdown(ctx)
}
