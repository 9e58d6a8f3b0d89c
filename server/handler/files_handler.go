package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/auth"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/transfer"
	"github.com/gin-gonic/gin"
)

// claimTransfer resolves the id and enforces that only the initiating
// device touches its session; operator sessions and the server key act
// on any transfer.
func claimTransfer(ctx *gin.Context, id string) (*transfer.Session, bool) {
	session, ok := transfer.Get(id)
	if !ok {
		common.Fail(ctx, http.StatusNotFound, modules.CodeNotFound, `unknown transfer`)
		return nil, false
	}
	class := ctx.GetString(`AuthClass`)
	if class != auth.ClassOperator && class != auth.ClassServer &&
		session.OwnerDeviceID != ownerID(ctx) {
		common.Fail(ctx, http.StatusForbidden, modules.CodeInvalidCredential, `transfer belongs to another device`)
		return nil, false
	}
	return session, true
}

// postUploadInitiate opens a resumable upload session.
func postUploadInitiate(ctx *gin.Context) {
	var form struct {
		TargetPath     string `json:"target_path" binding:"required"`
		TotalSize      int64  `json:"total_size" binding:"required"`
		ConflictPolicy string `json:"conflict_policy"`
	}
	if err := ctx.ShouldBindJSON(&form); err != nil {
		common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, `target_path and total_size required`)
		return
	}
	session, err := transfer.Initiate(ownerID(ctx), form.TargetPath, form.TotalSize, form.ConflictPolicy)
	if err != nil {
		common.FailErr(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		`transfer_id`: session.TransferID,
		`chunk_size`:  session.ChunkSize,
	})
}

// putFiles is the shared PUT entry: `upload/{id}/{chunk}` is a chunk
// write, any other path is a direct single-shot upload.
func putFiles(ctx *gin.Context) {
	path := strings.TrimPrefix(ctx.Param(`path`), `/`)
	if rest, ok := strings.CutPrefix(path, `upload/`); ok {
		id, chunkStr, ok := strings.Cut(rest, `/`)
		if !ok || strings.Contains(chunkStr, `/`) {
			common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, `expected upload/{id}/{chunk}`)
			return
		}
		index, err := strconv.Atoi(chunkStr)
		if err != nil {
			common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, `chunk index must be an integer`)
			return
		}
		putUploadChunk(ctx, id, index)
		return
	}
	putDirectUpload(ctx, path)
}

// putUploadChunk lands one chunk. A retry of a landed chunk succeeds
// without rewriting; a paused session answers 409 with the chunks the
// server already has so the client can resume precisely.
func putUploadChunk(ctx *gin.Context, id string, index int) {
	session, ok := claimTransfer(ctx, id)
	if !ok {
		return
	}
	limit := session.ChunkSize + 1
	data, err := io.ReadAll(io.LimitReader(ctx.Request.Body, limit))
	if err != nil {
		common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, `could not read chunk body`)
		return
	}
	session, werr := transfer.WriteChunk(id, index, data)
	if werr != nil {
		var coded *modules.Error
		if errors.As(werr, &coded) && coded.Code == modules.CodeTransferPaused {
			ctx.JSON(http.StatusConflict, gin.H{
				`code`:           coded.Code,
				`detail`:         coded.Detail,
				`written_chunks`: session.WrittenChunks(),
				`received_bytes`: session.Snapshot().ReceivedBytes,
			})
			return
		}
		common.FailErr(ctx, werr)
		return
	}
	snap := session.Snapshot()
	ctx.JSON(http.StatusOK, gin.H{
		`state`:          snap.State,
		`received_bytes`: snap.ReceivedBytes,
		`completed`:      snap.State == transfer.StateCompleted,
	})
}

// getUploadStatus reports progress and the written-chunk set.
func getUploadStatus(ctx *gin.Context) {
	session, ok := claimTransfer(ctx, ctx.Param(`id`))
	if !ok {
		return
	}
	snap := session.Snapshot()
	ctx.JSON(http.StatusOK, gin.H{
		`transfer_id`:    snap.TransferID,
		`state`:          snap.State,
		`total_size`:     snap.TotalSize,
		`chunk_size`:     snap.ChunkSize,
		`received_bytes`: snap.ReceivedBytes,
		`written_chunks`: session.WrittenChunks(),
		`last_activity`:  snap.LastActivity,
	})
}

func postUploadPause(ctx *gin.Context) {
	if _, ok := claimTransfer(ctx, ctx.Param(`id`)); !ok {
		return
	}
	session, err := transfer.Pause(ctx.Param(`id`))
	if err != nil {
		common.FailErr(ctx, err)
		return
	}
	snap := session.Snapshot()
	ctx.JSON(http.StatusOK, gin.H{
		`state`:          snap.State,
		`received_bytes`: snap.ReceivedBytes,
		`written_chunks`: session.WrittenChunks(),
	})
}

func postUploadResume(ctx *gin.Context) {
	if _, ok := claimTransfer(ctx, ctx.Param(`id`)); !ok {
		return
	}
	session, err := transfer.Resume(ctx.Param(`id`))
	if err != nil {
		common.FailErr(ctx, err)
		return
	}
	snap := session.Snapshot()
	ctx.JSON(http.StatusOK, gin.H{
		`state`:          snap.State,
		`received_bytes`: snap.ReceivedBytes,
		`written_chunks`: session.WrittenChunks(),
	})
}

func deleteUpload(ctx *gin.Context) {
	if _, ok := claimTransfer(ctx, ctx.Param(`id`)); !ok {
		return
	}
	if err := transfer.Cancel(ctx.Param(`id`)); err != nil {
		common.FailErr(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{`state`: transfer.StateCancelled})
}

// putDirectUpload streams the body straight to the target path.
func putDirectUpload(ctx *gin.Context, path string) {
	if len(path) == 0 {
		common.Fail(ctx, http.StatusBadRequest, modules.CodePathInvalid, `missing target path`)
		return
	}
	target, size, err := transfer.DirectUpload(ownerID(ctx), `/`+path, ctx.Request.Body, ctx.Query(`conflict_policy`))
	if err != nil {
		common.FailErr(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{`target`: target, `size`: size})
}

// getDownload serves a file with Range support.
func getDownload(ctx *gin.Context) {
	path := strings.TrimPrefix(ctx.Param(`path`), `/`)
	if len(path) == 0 {
		common.Fail(ctx, http.StatusBadRequest, modules.CodePathInvalid, `missing path`)
		return
	}
	transfer.ServeFile(ctx, ownerID(ctx), `/`+path)
}

// getStream is the media variant of download; same Range path, the
// target comes as a query parameter so players can pass URLs around.
func getStream(ctx *gin.Context) {
	path := ctx.Query(`path`)
	if len(path) == 0 {
		common.Fail(ctx, http.StatusBadRequest, modules.CodePathInvalid, `missing path query parameter`)
		return
	}
	transfer.ServeFile(ctx, ownerID(ctx), path)
}
