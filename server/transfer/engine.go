// Package transfer implements resumable chunked uploads, range-served
// downloads and the disk-backed session catalog that lets both survive
// a server restart. Bytes for an upload accumulate in a staging file
// next to the catalog; the target path is only touched by the final
// atomic rename.
package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/config"
	"github.com/BYTEDz/PCLink/server/hub"
	"github.com/BYTEDz/PCLink/utils"
	"github.com/BYTEDz/PCLink/utils/cmap"
	"github.com/google/uuid"
)

// DefaultChunkSize is what initiation hands to clients.
const DefaultChunkSize int64 = 256 * 1024

// Session states.
const (
	StateActive    = `active`
	StatePaused    = `paused`
	StateCompleted = `completed`
	StateCancelled = `cancelled`
	StateStale     = `stale`
)

// Directions.
const (
	DirectionUpload   = `upload`
	DirectionDownload = `download`
)

// Conflict policies, applied when a finished upload claims its target.
const (
	PolicyAbort     = `abort`
	PolicyOverwrite = `overwrite`
	PolicyKeepBoth  = `keep_both`
)

// Session is one resumable transfer. The exported fields round-trip
// through the <id>.meta catalog file; the coordination state is
// rebuilt on load.
type Session struct {
	TransferID     string `json:"transfer_id"`
	Direction      string `json:"direction"`
	OwnerDeviceID  string `json:"owner_device_id"`
	TargetPath     string `json:"target_path"`
	StagingPath    string `json:"staging_path,omitempty"`
	TotalSize      int64  `json:"total_size"`
	ChunkSize      int64  `json:"chunk_size"`
	ReceivedBytes  int64  `json:"received_bytes"`
	SentBytes      int64  `json:"sent_bytes,omitempty"`
	State          string `json:"state"`
	CreatedAt      int64  `json:"created_at"`
	LastActivity   int64  `json:"last_activity"`
	ConflictPolicy string `json:"conflict_policy,omitempty"`
	Written        []bool `json:"written,omitempty"`

	mu      sync.Mutex
	chunks  map[int]*chunkRecord
	staging *os.File
}

// chunkRecord serializes writes to one chunk index. written mirrors
// Session.Written but lives behind the chunk's own lock so a retry of
// an already-landed chunk never re-enters the disk write.
type chunkRecord struct {
	mu      sync.Mutex
	written bool
}

var (
	sessions = cmap.New[*Session]()
	events   *hub.Hub
)

func catalogDir() string {
	return filepath.Join(config.DataDir(), `transfers`)
}

func metaPath(id string) string {
	return filepath.Join(catalogDir(), id+`.meta`)
}

func stagingPath(id string) string {
	return filepath.Join(catalogDir(), id+`.staging`)
}

// Init prepares the catalog directory and restores non-terminal
// sessions from disk. Terminal leftovers and orphaned staging files
// are removed.
func Init(h *hub.Hub) error {
	events = h
	if err := os.MkdirAll(catalogDir(), 0o700); err != nil {
		return err
	}
	entries, err := os.ReadDir(catalogDir())
	if err != nil {
		return err
	}
	restored := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, `.meta`) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(catalogDir(), name))
		if err != nil {
			continue
		}
		session := &Session{}
		if err = utils.JSON.Unmarshal(data, session); err != nil {
			common.Warn(nil, `TRANSFER_RESTORE`, `corrupt_meta`, name, nil)
			os.Remove(filepath.Join(catalogDir(), name))
			continue
		}
		if session.State != StateActive && session.State != StatePaused {
			os.Remove(metaPath(session.TransferID))
			os.Remove(stagingPath(session.TransferID))
			continue
		}
		session.chunks = make(map[int]*chunkRecord)
		for index, written := range session.Written {
			if written {
				session.chunks[index] = &chunkRecord{written: true}
			}
		}
		sessions.Set(session.TransferID, session)
		restored++
	}
	// Staging files whose meta is gone are unrecoverable.
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, `.staging`) {
			continue
		}
		id := strings.TrimSuffix(name, `.staging`)
		if !sessions.Has(id) {
			os.Remove(filepath.Join(catalogDir(), name))
		}
	}
	if restored > 0 {
		common.Info(nil, `TRANSFER_RESTORE`, ``, ``, map[string]any{`sessions`: restored})
	}
	return nil
}

// Initiate validates the target and opens a new upload session.
func Initiate(owner, targetPath string, totalSize int64, policy string) (*Session, error) {
	if totalSize <= 0 {
		return nil, modules.NewError(modules.CodeInvalidParameter, `total_size must be positive`)
	}
	switch policy {
	case PolicyAbort, PolicyOverwrite, PolicyKeepBoth:
	case ``:
		policy = PolicyAbort
	default:
		return nil, modules.NewError(modules.CodeInvalidParameter, `unknown conflict_policy`)
	}
	resolved, err := Resolve(targetPath)
	if err != nil {
		return nil, err
	}
	session := &Session{
		TransferID:     uuid.NewString(),
		Direction:      DirectionUpload,
		OwnerDeviceID:  owner,
		TargetPath:     resolved,
		TotalSize:      totalSize,
		ChunkSize:      DefaultChunkSize,
		State:          StateActive,
		CreatedAt:      utils.Unix,
		LastActivity:   utils.Unix,
		ConflictPolicy: policy,
		chunks:         make(map[int]*chunkRecord),
	}
	session.StagingPath = stagingPath(session.TransferID)
	session.Written = make([]bool, session.chunkCount())
	file, err := os.OpenFile(session.StagingPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, modules.NewError(modules.CodeIOError, err.Error())
	}
	session.staging = file
	if err = session.persist(); err != nil {
		file.Close()
		os.Remove(session.StagingPath)
		return nil, err
	}
	sessions.Set(session.TransferID, session)
	publishUpdate(session, ``)
	common.Info(nil, `TRANSFER_INITIATE`, ``, ``, map[string]any{
		`transfer_id`: session.TransferID,
		`target`:      session.TargetPath,
		`size`:        session.TotalSize,
	})
	return session, nil
}

func (s *Session) chunkCount() int {
	return int((s.TotalSize + s.ChunkSize - 1) / s.ChunkSize)
}

func (s *Session) expectedChunkLen(index int) int64 {
	if index == s.chunkCount()-1 {
		if rem := s.TotalSize % s.ChunkSize; rem != 0 {
			return rem
		}
	}
	return s.ChunkSize
}

// persist rewrites the meta file through a temp sibling. Caller holds
// s.mu.
func (s *Session) persist() error {
	data, err := utils.JSON.Marshal(s)
	if err != nil {
		return modules.NewError(modules.CodeInternalError, err.Error())
	}
	tmp := metaPath(s.TransferID) + `.tmp`
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return modules.NewError(modules.CodeIOError, err.Error())
	}
	if err = os.Rename(tmp, metaPath(s.TransferID)); err != nil {
		return modules.NewError(modules.CodeIOError, err.Error())
	}
	return nil
}

// WrittenChunks lists landed chunk indices, the resume metadata a
// paused or restarted client needs.
func (s *Session) WrittenChunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	indices := make([]int, 0)
	for index, written := range s.Written {
		if written {
			indices = append(indices, index)
		}
	}
	return indices
}

// Get returns the session for id.
func Get(id string) (*Session, bool) {
	return sessions.Get(id)
}

// WriteChunk lands one chunk. Retries of an already-written chunk are
// acknowledged without touching disk, so received_bytes stays
// monotonic and never double-counts.
func WriteChunk(id string, index int, data []byte) (*Session, error) {
	session, ok := sessions.Get(id)
	if !ok {
		return nil, modules.NewError(modules.CodeNotFound, `unknown transfer`)
	}
	if session.Direction != DirectionUpload {
		return nil, modules.NewError(modules.CodeInvalidParameter, `not an upload session`)
	}

	session.mu.Lock()
	switch session.State {
	case StatePaused:
		session.mu.Unlock()
		return session, modules.NewError(modules.CodeTransferPaused, `transfer is paused`)
	case StateCancelled:
		session.mu.Unlock()
		return session, modules.NewError(modules.CodeTransferCancelled, `transfer was cancelled`)
	case StateStale:
		session.mu.Unlock()
		return session, modules.NewError(modules.CodeTransferStale, `transfer went stale`)
	}
	if index < 0 || index >= session.chunkCount() {
		session.mu.Unlock()
		failSession(session, modules.CodeChunkOutOfRange)
		return session, modules.NewError(modules.CodeChunkOutOfRange, `chunk index out of range`)
	}
	if int64(len(data)) != session.expectedChunkLen(index) {
		session.mu.Unlock()
		failSession(session, modules.CodeSizeMismatch)
		return session, modules.NewError(modules.CodeSizeMismatch, `chunk length does not match total_size`)
	}
	chunk := session.chunks[index]
	if chunk == nil {
		chunk = &chunkRecord{}
		session.chunks[index] = chunk
	}
	file, err := session.stagingFile()
	session.mu.Unlock()
	if err != nil {
		return session, err
	}

	chunk.mu.Lock()
	defer chunk.mu.Unlock()
	if chunk.written {
		session.touch()
		return session, nil
	}
	offset := int64(index) * session.ChunkSize
	if err := writeAtRetry(file, data, offset); err != nil {
		pauseOnError(session, err)
		return session, classifyWriteError(err)
	}
	chunk.written = true

	session.mu.Lock()
	session.Written[index] = true
	session.ReceivedBytes += int64(len(data))
	session.LastActivity = utils.Unix
	complete := session.ReceivedBytes == session.TotalSize && session.allWritten()
	persistOrLog(session)
	session.mu.Unlock()

	if complete {
		return session, finalize(session)
	}
	publishUpdate(session, ``)
	return session, nil
}

func (s *Session) allWritten() bool {
	for _, written := range s.Written {
		if !written {
			return false
		}
	}
	return true
}

// stagingFile lazily reopens the staging file after a restart. Caller
// holds s.mu.
func (s *Session) stagingFile() (*os.File, error) {
	if s.staging != nil {
		return s.staging, nil
	}
	file, err := os.OpenFile(s.StagingPath, os.O_RDWR, 0o600)
	if err != nil {
		return nil, modules.NewError(modules.CodeIOError, err.Error())
	}
	s.staging = file
	return file, nil
}

// persistOrLog records a failed meta write. The staged bytes are fine;
// only restart recovery is degraded until the next successful rewrite.
// Caller holds s.mu.
func persistOrLog(s *Session) {
	if err := s.persist(); err != nil {
		common.Warn(nil, `TRANSFER_PERSIST`, `fail`, err.Error(), map[string]any{
			`transfer_id`: s.TransferID,
		})
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastActivity = utils.Unix
	s.mu.Unlock()
}

// writeAtRetry retries a failed write once; disks reporting transient
// errors under load get a second chance before the session pauses.
func writeAtRetry(file *os.File, data []byte, offset int64) error {
	_, err := file.WriteAt(data, offset)
	if err == nil || errors.Is(err, syscall.ENOSPC) {
		return err
	}
	_, err = file.WriteAt(data, offset)
	return err
}

func classifyWriteError(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return modules.NewError(modules.CodeDiskFull, `no space left on device`)
	}
	return modules.NewError(modules.CodeIOError, err.Error())
}

// pauseOnError parks the session so the client can resume once the
// disk recovers. The bytes already staged stay.
func pauseOnError(session *Session, err error) {
	session.mu.Lock()
	session.State = StatePaused
	persistOrLog(session)
	session.mu.Unlock()
	common.Error(nil, `TRANSFER_WRITE`, `paused`, err.Error(), map[string]any{
		`transfer_id`: session.TransferID,
	})
	publishUpdate(session, ``)
}

// failSession is for invariant violations: the staging bytes are
// untrustworthy, so the session dies and staging is deleted.
func failSession(session *Session, code string) {
	session.mu.Lock()
	if session.State == StateCancelled {
		session.mu.Unlock()
		return
	}
	session.State = StateCancelled
	if session.staging != nil {
		session.staging.Close()
		session.staging = nil
	}
	session.mu.Unlock()
	os.Remove(session.StagingPath)
	os.Remove(metaPath(session.TransferID))
	sessions.Remove(session.TransferID)
	common.Warn(nil, `TRANSFER_FAIL`, code, ``, map[string]any{`transfer_id`: session.TransferID})
	publishUpdate(session, code)
}

// finalize fsyncs staging, claims the target per the conflict policy
// and renames staging into place.
func finalize(session *Session) error {
	session.mu.Lock()
	if session.State == StateCompleted {
		session.mu.Unlock()
		return nil
	}
	file, err := session.stagingFile()
	if err != nil {
		session.mu.Unlock()
		return err
	}
	if err := file.Sync(); err != nil {
		session.mu.Unlock()
		return modules.NewError(modules.CodeIOError, err.Error())
	}
	file.Close()
	session.staging = nil

	target, err := claimTarget(session.TargetPath, session.ConflictPolicy)
	if err != nil {
		session.State = StateCancelled
		session.mu.Unlock()
		os.Remove(session.StagingPath)
		os.Remove(metaPath(session.TransferID))
		sessions.Remove(session.TransferID)
		publishUpdate(session, modules.CodeConflictExists)
		return err
	}
	if err := os.Rename(session.StagingPath, target); err != nil {
		session.mu.Unlock()
		return classifyWriteError(err)
	}
	session.TargetPath = target
	session.State = StateCompleted
	session.mu.Unlock()
	os.Remove(metaPath(session.TransferID))
	sessions.Remove(session.TransferID)
	publishUpdate(session, ``)
	common.Info(nil, `TRANSFER_COMPLETE`, ``, ``, map[string]any{
		`transfer_id`: session.TransferID,
		`target`:      target,
		`size`:        session.TotalSize,
	})
	return nil
}

// claimTarget resolves the final path under the conflict policy.
// KeepBoth reserves "name (n).ext" with O_EXCL so two finalizations
// cannot pick the same suffix.
func claimTarget(target, policy string) (string, error) {
	switch policy {
	case PolicyOverwrite:
		return target, nil
	case PolicyAbort:
		if _, err := os.Lstat(target); err == nil {
			return ``, modules.NewError(modules.CodeConflictExists, `target already exists`)
		}
		return target, nil
	}
	if _, err := os.Lstat(target); os.IsNotExist(err) {
		return target, nil
	}
	ext := filepath.Ext(target)
	base := strings.TrimSuffix(target, ext)
	for n := 1; n < 10000; n++ {
		candidate := fmt.Sprintf(`%s (%d)%s`, base, n, ext)
		file, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			file.Close()
			return candidate, nil
		}
		if !os.IsExist(err) {
			return ``, modules.NewError(modules.CodeIOError, err.Error())
		}
	}
	return ``, modules.NewError(modules.CodeConflictExists, `could not find a free name`)
}

// Pause parks an active upload.
func Pause(id string) (*Session, error) {
	session, ok := sessions.Get(id)
	if !ok {
		return nil, modules.NewError(modules.CodeNotFound, `unknown transfer`)
	}
	session.mu.Lock()
	if session.State == StateActive {
		session.State = StatePaused
		persistOrLog(session)
	}
	session.mu.Unlock()
	publishUpdate(session, ``)
	return session, nil
}

// Resume reactivates a paused upload.
func Resume(id string) (*Session, error) {
	session, ok := sessions.Get(id)
	if !ok {
		return nil, modules.NewError(modules.CodeNotFound, `unknown transfer`)
	}
	session.mu.Lock()
	switch session.State {
	case StatePaused:
		session.State = StateActive
		session.LastActivity = utils.Unix
		persistOrLog(session)
	case StateActive:
	default:
		state := session.State
		session.mu.Unlock()
		return nil, modules.NewError(modules.CodeInvalidParameter, `cannot resume a `+state+` transfer`)
	}
	session.mu.Unlock()
	publishUpdate(session, ``)
	return session, nil
}

// Cancel tears a session down and deletes its staging bytes.
func Cancel(id string) error {
	session, ok := sessions.Pop(id)
	if !ok {
		return modules.NewError(modules.CodeNotFound, `unknown transfer`)
	}
	session.mu.Lock()
	session.State = StateCancelled
	if session.staging != nil {
		session.staging.Close()
		session.staging = nil
	}
	session.mu.Unlock()
	if len(session.StagingPath) > 0 {
		os.Remove(session.StagingPath)
	}
	os.Remove(metaPath(session.TransferID))
	common.Info(nil, `TRANSFER_CANCEL`, ``, ``, map[string]any{`transfer_id`: session.TransferID})
	publishUpdate(session, ``)
	return nil
}

// Active returns snapshots of every live session, both directions.
func Active() []*Session {
	list := make([]*Session, 0, sessions.Count())
	sessions.IterCb(func(id string, session *Session) bool {
		list = append(list, session.Snapshot())
		return true
	})
	return list
}

// Snapshot copies the serializable state for handlers.
func (s *Session) Snapshot() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := &Session{
		TransferID:     s.TransferID,
		Direction:      s.Direction,
		OwnerDeviceID:  s.OwnerDeviceID,
		TargetPath:     s.TargetPath,
		StagingPath:    s.StagingPath,
		TotalSize:      s.TotalSize,
		ChunkSize:      s.ChunkSize,
		ReceivedBytes:  s.ReceivedBytes,
		SentBytes:      s.SentBytes,
		State:          s.State,
		CreatedAt:      s.CreatedAt,
		LastActivity:   s.LastActivity,
		ConflictPolicy: s.ConflictPolicy,
	}
	copied.Written = append([]bool(nil), s.Written...)
	return copied
}

func publishUpdate(session *Session, code string) {
	if events == nil {
		return
	}
	session.mu.Lock()
	payload := map[string]any{
		`transfer_id`:    session.TransferID,
		`direction`:      session.Direction,
		`state`:          session.State,
		`received_bytes`: session.ReceivedBytes,
		`sent_bytes`:     session.SentBytes,
		`total_size`:     session.TotalSize,
	}
	session.mu.Unlock()
	if len(code) > 0 {
		payload[`error`] = code
	}
	events.Publish(hub.ClassOperator, modules.EventTransferUpdate, payload)
	events.PublishTo(hub.ClassDevice, session.OwnerDeviceID, modules.EventTransferUpdate, payload)
}

// Reset drops all in-memory and on-disk transfer state; tests only.
func Reset() {
	sessions.IterCb(func(id string, session *Session) bool {
		session.mu.Lock()
		if session.staging != nil {
			session.staging.Close()
			session.staging = nil
		}
		session.mu.Unlock()
		return true
	})
	sessions.Clear()
	os.RemoveAll(catalogDir())
	os.MkdirAll(catalogDir(), 0o700)
}
