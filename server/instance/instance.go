// Package instance enforces the single-process rule with an advisory
// file lock in the data directory. The lock dies with the process, so
// a crash never wedges the next start.
package instance

import (
	"errors"
	"path/filepath"

	"github.com/BYTEDz/PCLink/server/config"
	"github.com/gofrs/flock"
)

// ErrAlreadyRunning means another server owns the data directory.
var ErrAlreadyRunning = errors.New(`another pclink instance is already running`)

// Lock holds the acquired lock for the process lifetime.
type Lock struct {
	fl *flock.Flock
}

func lockPath() string {
	return filepath.Join(config.DataDir(), `pclink.lock`)
}

// Acquire takes the lock without blocking.
func Acquire() (*Lock, error) {
	fl := flock.New(lockPath())
	ok, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock; called on clean shutdown.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

// Held reports whether some process holds the lock, without taking it.
func Held() bool {
	fl := flock.New(lockPath())
	ok, err := fl.TryLock()
	if err != nil {
		return false
	}
	if ok {
		fl.Unlock()
		return false
	}
	return true
}
