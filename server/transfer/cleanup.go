package transfer

import (
	"os"
	"sync"
	"time"

	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/config"
	"github.com/BYTEDz/PCLink/utils"
)

// sweepInterval is how often the janitor looks for stale sessions.
const sweepInterval = time.Hour

var (
	janitorOnce sync.Once
	janitorStop = make(chan struct{})
)

// StartJanitor launches the periodic stale sweep. Idempotent.
func StartJanitor() {
	janitorOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-janitorStop:
					return
				case <-ticker.C:
					CleanupStale()
				}
			}
		}()
	})
}

// StopJanitor ends the sweep loop.
func StopJanitor() {
	select {
	case <-janitorStop:
	default:
		close(janitorStop)
	}
}

// StaleThreshold is the configured inactivity age, default 7 days.
func StaleThreshold() time.Duration {
	days := config.Config.StaleAfterDays
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

// CleanupStale retires sessions whose last activity is older than the
// threshold. Upload staging files are deleted; the client has to start
// over. Returns counts per direction.
func CleanupStale() (uploads, downloads int) {
	cutoff := utils.Unix - int64(StaleThreshold().Seconds())
	var stale []*Session
	sessions.IterCb(func(id string, session *Session) bool {
		session.mu.Lock()
		if session.LastActivity < cutoff {
			stale = append(stale, session)
		}
		session.mu.Unlock()
		return true
	})
	for _, session := range stale {
		session.mu.Lock()
		session.State = StateStale
		if session.staging != nil {
			session.staging.Close()
			session.staging = nil
		}
		direction := session.Direction
		session.mu.Unlock()
		sessions.Remove(session.TransferID)
		if direction == DirectionUpload {
			os.Remove(session.StagingPath)
			os.Remove(metaPath(session.TransferID))
			uploads++
		} else {
			downloads++
		}
		publishUpdate(session, ``)
	}
	if uploads > 0 || downloads > 0 {
		common.Info(nil, `TRANSFER_CLEANUP`, ``, ``, map[string]any{
			`uploads`:   uploads,
			`downloads`: downloads,
		})
	}
	return uploads, downloads
}

// CleanupStatus summarizes what a sweep would touch right now.
func CleanupStatus() map[string]any {
	cutoff := utils.Unix - int64(StaleThreshold().Seconds())
	staleUploads, staleDownloads, active := 0, 0, 0
	sessions.IterCb(func(id string, session *Session) bool {
		session.mu.Lock()
		if session.LastActivity < cutoff {
			if session.Direction == DirectionUpload {
				staleUploads++
			} else {
				staleDownloads++
			}
		} else {
			active++
		}
		session.mu.Unlock()
		return true
	})
	return map[string]any{
		`stale_after_days`: int(StaleThreshold().Hours() / 24),
		`stale_uploads`:    staleUploads,
		`stale_downloads`:  staleDownloads,
		`active_sessions`:  active,
	}
}

// SetStaleAfterDays updates and persists the cleanup threshold.
func SetStaleAfterDays(days int) error {
	if days < 1 {
		days = 1
	}
	config.Config.StaleAfterDays = days
	return config.Save()
}
