package handler

import (
	"net/http"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/pairing"
	"github.com/gin-gonic/gin"
)

// postPairingRequest is the device-side entry point. The request
// parks until the operator decides or the 60 second window closes.
func postPairingRequest(ctx *gin.Context) {
	var form struct {
		DeviceName string `json:"device_name"`
		Platform   string `json:"platform"`
	}
	if err := ctx.ShouldBindJSON(&form); err != nil {
		common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, `device_name required`)
		return
	}
	name := pairing.SanitizeName(form.DeviceName)
	if len(name) == 0 {
		common.Fail(ctx, http.StatusBadRequest, modules.CodePairingInvalidName, `device name is empty or unusable`)
		return
	}
	result := pairing.Request(name, form.Platform, common.GetRemoteAddr(ctx))
	switch result.Status {
	case pairing.StatusApproved:
		ctx.JSON(http.StatusOK, result)
	case pairing.StatusDenied:
		common.Fail(ctx, http.StatusForbidden, modules.CodePairingDenied, `the operator denied the request`)
	default:
		common.Fail(ctx, http.StatusRequestTimeout, modules.CodePairingTimeout, `no decision within the pairing window`)
	}
}

// getPairingPending lists undecided tickets for the operator UI.
func getPairingPending(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{`pending`: pairing.Pending()})
}

type pairingDecisionForm struct {
	PairingID string `json:"pairing_id" binding:"required"`
}

// postPairingApprove approves a ticket; repeating the call returns the
// same outcome.
func postPairingApprove(ctx *gin.Context) {
	var form pairingDecisionForm
	if err := ctx.ShouldBindJSON(&form); err != nil {
		common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, `pairing_id required`)
		return
	}
	result, err := pairing.Approve(form.PairingID)
	if err != nil {
		common.FailErr(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

// postPairingDeny rejects a ticket.
func postPairingDeny(ctx *gin.Context) {
	var form pairingDecisionForm
	if err := ctx.ShouldBindJSON(&form); err != nil {
		common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, `pairing_id required`)
		return
	}
	if err := pairing.Deny(form.PairingID); err != nil {
		common.FailErr(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{`status`: pairing.StatusDenied})
}
