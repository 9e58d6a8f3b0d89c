package transfer

import (
	"io"
	"os"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/hub"
	"github.com/google/uuid"
)

// DirectUpload streams body straight into a staging file and renames
// it into place. No catalog entry, no resumption; the single-shot path
// for small files.
func DirectUpload(owner, targetPath string, body io.Reader, policy string) (string, int64, error) {
	switch policy {
	case PolicyAbort, PolicyOverwrite, PolicyKeepBoth:
	case ``:
		policy = PolicyAbort
	default:
		return ``, 0, modules.NewError(modules.CodeInvalidParameter, `unknown conflict_policy`)
	}
	resolved, err := Resolve(targetPath)
	if err != nil {
		return ``, 0, err
	}
	staging := stagingPath(`direct-` + uuid.NewString())
	file, err := os.OpenFile(staging, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return ``, 0, modules.NewError(modules.CodeIOError, err.Error())
	}
	written, err := io.Copy(file, body)
	if err != nil {
		file.Close()
		os.Remove(staging)
		return ``, 0, classifyWriteError(err)
	}
	if err = file.Sync(); err != nil {
		file.Close()
		os.Remove(staging)
		return ``, 0, modules.NewError(modules.CodeIOError, err.Error())
	}
	file.Close()

	target, err := claimTarget(resolved, policy)
	if err != nil {
		os.Remove(staging)
		return ``, 0, err
	}
	if err = os.Rename(staging, target); err != nil {
		os.Remove(staging)
		return ``, 0, classifyWriteError(err)
	}
	common.Info(nil, `TRANSFER_DIRECT`, ``, ``, map[string]any{
		`owner`:  owner,
		`target`: target,
		`size`:   written,
	})
	if events != nil {
		events.Publish(hub.ClassOperator, modules.EventTransferUpdate, map[string]any{
			`direction`:  DirectionUpload,
			`state`:      StateCompleted,
			`target`:     target,
			`total_size`: written,
		})
	}
	return target, written, nil
}
