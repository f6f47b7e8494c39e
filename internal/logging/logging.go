// Package logging provides the thin logrus setup and gin middleware adapter
// shared across the proxy (ambient stack; request logging detail itself is
// out of scope per §1, but structured logging conventions are carried).
//
// Grounded on the teacher's internal/logging/global_logger.go (custom
// logrus.Formatter, gin writer wiring) and request_logger.go's request-id
// field convention, pared down to the fields this proxy actually emits.
package logging

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

var setupOnce sync.Once

// Formatter renders one log entry as:
// [2006-01-02 15:04:05] [info ] | request_id | message field=value ...
type Formatter struct{}

// fieldOrder controls which structured fields are rendered, and in what order.
var fieldOrder = []string{"credential", "model", "project_id", "status", "latency_ms", "error"}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	buffer := entry.Buffer
	if buffer == nil {
		buffer = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")

	reqID := "--------"
	if id, ok := entry.Data["request_id"].(string); ok && id != "" {
		reqID = id
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}

	var fields []string
	for _, key := range fieldOrder {
		if v, ok := entry.Data[key]; ok {
			fields = append(fields, fmt.Sprintf("%s=%v", key, v))
		}
	}

	fmt.Fprintf(buffer, "[%s] [%-5s] | %s | %s", timestamp, level, reqID, message)
	if len(fields) > 0 {
		fmt.Fprintf(buffer, " %s", strings.Join(fields, " "))
	}
	buffer.WriteByte('\n')
	return buffer.Bytes(), nil
}

// Setup configures the shared logrus logger once per process: stdout output,
// the custom Formatter, and the level parsed from levelName (falling back to
// info on an unrecognized value).
func Setup(levelName string) {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetFormatter(&Formatter{})

		level, err := log.ParseLevel(strings.TrimSpace(levelName))
		if err != nil {
			level = log.InfoLevel
		}
		log.SetLevel(level)

		gin.DefaultWriter = log.StandardLogger().Writer()
		gin.DefaultErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)
		gin.DebugPrintFunc = func(format string, values ...interface{}) {
			format = strings.TrimRight(format, "\r\n")
			log.StandardLogger().Infof(format, values...)
		}
	})
}

// GinMiddleware logs one line per request with status and latency, tagging
// the entry with the gin context's "request_id" value. Nothing in this
// repository sets that value, so the field renders as "<nil>" unless an
// earlier handler stores one.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		requestID, _ := c.Get("request_id")
		entry := log.WithFields(log.Fields{
			"request_id": fmt.Sprintf("%v", requestID),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		})
		msg := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		if c.Writer.Status() >= 500 {
			entry.Error(msg)
		} else if c.Writer.Status() >= 400 {
			entry.Warn(msg)
		} else {
			entry.Info(msg)
		}
	}
}
