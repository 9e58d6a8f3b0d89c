package transfer

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// byteRange is one parsed Range header. end is inclusive.
type byteRange struct {
	start, end int64
}

// parseRange understands `bytes=a-b`, `bytes=a-` and `bytes=-n`.
// Multi-range requests are refused; nobody legitimate sends them here.
func parseRange(header string, size int64) (*byteRange, error) {
	if len(header) == 0 {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, `bytes=`)
	if !ok || strings.Contains(spec, `,`) {
		return nil, modules.NewError(modules.CodeInvalidParameter, `unsupported range`)
	}
	startStr, endStr, ok := strings.Cut(spec, `-`)
	if !ok {
		return nil, modules.NewError(modules.CodeInvalidParameter, `unsupported range`)
	}
	r := &byteRange{}
	if len(startStr) == 0 {
		// Suffix range: last n bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, modules.NewError(modules.CodeInvalidParameter, `unsatisfiable range`)
		}
		if n > size {
			n = size
		}
		r.start = size - n
		r.end = size - 1
		return r, nil
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return nil, modules.NewError(modules.CodeInvalidParameter, `unsatisfiable range`)
	}
	r.start = start
	if len(endStr) == 0 {
		r.end = size - 1
		return r, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return nil, modules.NewError(modules.CodeInvalidParameter, `unsatisfiable range`)
	}
	if end >= size {
		end = size - 1
	}
	r.end = end
	return r, nil
}

func contentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); len(ct) > 0 {
		return ct
	}
	return `application/octet-stream`
}

// downloadSession finds or creates the tracking session for one
// (owner, file) pair so progress shows up under /transfers/active.
func downloadSession(owner, path string, size int64) *Session {
	var existing *Session
	sessions.IterCb(func(id string, s *Session) bool {
		if s.Direction == DirectionDownload && s.OwnerDeviceID == owner && s.TargetPath == path {
			existing = s
			return false
		}
		return true
	})
	if existing != nil {
		existing.touch()
		return existing
	}
	session := &Session{
		TransferID:    uuid.NewString(),
		Direction:     DirectionDownload,
		OwnerDeviceID: owner,
		TargetPath:    path,
		TotalSize:     size,
		ChunkSize:     DefaultChunkSize,
		State:         StateActive,
		CreatedAt:     utils.Unix,
		LastActivity:  utils.Unix,
		chunks:        make(map[int]*chunkRecord),
	}
	sessions.Set(session.TransferID, session)
	return session
}

// retireDownload removes the session once the file's last byte has
// been sent at least once.
func retireDownload(session *Session) {
	session.mu.Lock()
	done := session.SentBytes >= session.TotalSize
	if done {
		session.State = StateCompleted
	}
	session.mu.Unlock()
	if done {
		sessions.Remove(session.TransferID)
		publishUpdate(session, ``)
	}
}

// ServeFile streams a file with Range support: 206 plus Content-Range
// for a satisfiable range, 200 for the whole file, 416 otherwise.
// Client disconnects mid-stream are not errors; the session lingers
// until the stale sweep.
func ServeFile(ctx *gin.Context, owner, rawPath string) {
	resolved, info, err := ResolveExisting(rawPath)
	if err != nil {
		common.FailErr(ctx, err)
		return
	}
	size := info.Size()
	r, err := parseRange(ctx.GetHeader(`Range`), size)
	if err != nil {
		ctx.Header(`Content-Range`, fmt.Sprintf(`bytes */%d`, size))
		common.Fail(ctx, http.StatusRequestedRangeNotSatisfiable, modules.CodeInvalidParameter, `unsatisfiable range`)
		return
	}
	file, err := os.Open(resolved)
	if err != nil {
		common.Fail(ctx, http.StatusInternalServerError, modules.CodeIOError, err.Error())
		return
	}
	defer file.Close()

	session := downloadSession(owner, resolved, size)

	start, length := int64(0), size
	status := http.StatusOK
	if r != nil {
		start, length = r.start, r.end-r.start+1
		status = http.StatusPartialContent
		ctx.Header(`Content-Range`, fmt.Sprintf(`bytes %d-%d/%d`, r.start, r.end, size))
		if _, err = file.Seek(start, io.SeekStart); err != nil {
			common.Fail(ctx, http.StatusInternalServerError, modules.CodeIOError, err.Error())
			return
		}
	}
	ctx.Header(`Accept-Ranges`, `bytes`)
	ctx.Header(`Content-Type`, contentType(resolved))
	ctx.Header(`Content-Length`, strconv.FormatInt(length, 10))
	ctx.Status(status)

	sent, copyErr := io.CopyN(ctx.Writer, file, length)
	session.mu.Lock()
	session.SentBytes += sent
	session.LastActivity = utils.Unix
	session.mu.Unlock()
	if copyErr != nil {
		// The peer went away; resumable via Range.
		common.Debug(nil, `TRANSFER_DOWNLOAD`, `interrupted`, copyErr.Error(), map[string]any{
			`transfer_id`: session.TransferID,
		})
		return
	}
	if r == nil || r.end == size-1 {
		retireDownload(session)
	}
}
