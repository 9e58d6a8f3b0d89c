package common

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BYTEDz/PCLink/server/config"
	"github.com/BYTEDz/PCLink/utils"
	"github.com/gin-gonic/gin"
	"github.com/kataras/golog"
)

var logWriter *os.File
var logToFileOnly bool
var disposed bool

func logDir() string {
	dir := filepath.Join(config.DataDir(), `logs`)
	os.MkdirAll(dir, 0o700)
	return dir
}

func currentLogPath() string {
	return filepath.Join(logDir(), `pclink.log`)
}

// SetFileOnly suppresses console output; used with --startup so the
// daemonized process writes to the log file only.
func SetFileOnly(on bool) {
	logToFileOnly = on
}

// InitLog opens logs/pclink.log and starts the midnight rotation loop.
// The previous day's log is renamed to pclink-YYYY-MM-DD.log and logs
// older than the configured retention are removed.
func InitLog() {
	golog.SetTimeFormat(`2006/01/02 15:04:05`)
	golog.SetLevel(utils.If(len(config.Config.Log.Level) == 0, `info`, config.Config.Log.Level))
	setLogDst()
	go func() {
		now := utils.Now
		waitSecs := 86400 - (now.Hour()*3600 + now.Minute()*60 + now.Second())
		if waitSecs > 0 {
			<-time.After(time.Duration(waitSecs) * time.Second)
		}
		rotateLog()
		for range time.NewTicker(time.Second * 86400).C {
			rotateLog()
		}
	}()
}

func setLogDst() {
	var err error
	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
	}
	if config.Config.Log.Level == `disable` || disposed {
		golog.SetOutput(os.Stdout)
		return
	}
	logWriter, err = os.OpenFile(currentLogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		golog.SetOutput(os.Stdout)
		golog.Warnf(getLog(nil, `LOG_INIT`, `fail`, err.Error(), nil))
		return
	}
	if logToFileOnly {
		golog.SetOutput(logWriter)
	} else {
		golog.SetOutput(io.MultiWriter(os.Stdout, logWriter))
	}
}

func rotateLog() {
	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
		dated := filepath.Join(logDir(), fmt.Sprintf(`pclink-%s.log`, utils.Now.Add(-time.Minute).Format(`2006-01-02`)))
		os.Rename(currentLogPath(), dated)
	}
	setLogDst()

	days := config.Config.Log.Days
	if days == 0 {
		days = 7
	}
	staleDate := time.Unix(utils.Unix-int64(days)*86400, 0)
	staleLog := filepath.Join(logDir(), fmt.Sprintf(`pclink-%s.log`, staleDate.Format(`2006-01-02`)))
	os.Remove(staleLog)
}

func getLog(ctx any, event, status, msg string, args map[string]any) string {
	if args == nil {
		args = map[string]any{}
	}
	args[`event`] = event
	if len(msg) > 0 {
		args[`msg`] = msg
	}
	if len(status) > 0 {
		args[`status`] = status
	}
	if c, ok := ctx.(*gin.Context); ok && c != nil {
		args[`from`] = GetRemoteAddr(c)
		if reqID := c.GetString(`RequestID`); len(reqID) > 0 {
			args[`request_id`] = reqID
		}
	}
	output, _ := utils.JSON.MarshalToString(args)
	return output
}

func Info(ctx any, event, status, msg string, args map[string]any) {
	golog.Infof(getLog(ctx, event, status, msg, args))
}

func Warn(ctx any, event, status, msg string, args map[string]any) {
	golog.Warnf(getLog(ctx, event, status, msg, args))
}

func Error(ctx any, event, status, msg string, args map[string]any) {
	golog.Errorf(getLog(ctx, event, status, msg, args))
}

func Fatal(ctx any, event, status, msg string, args map[string]any) {
	golog.Fatalf(getLog(ctx, event, status, msg, args))
}

func Debug(ctx any, event, status, msg string, args map[string]any) {
	golog.Debugf(getLog(ctx, event, status, msg, args))
}

// CloseLog flushes the log system back to stdout and closes the file.
func CloseLog() {
	disposed = true
	golog.SetOutput(os.Stdout)
	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
	}
}
