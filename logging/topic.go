package logging

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

type Topic string

const (
	DError Topic = "ERROR" // level = 3
	DWarn  Topic = "WARN"  // level = 2
	DInfo  Topic = "INFO"  // level = 1
	DDebug Topic = "DEBUG" // level = 0

	// level 1 topics
	DClient Topic = "CLIENT"
	DCommit Topic = "COMMIT"
	DDrop   Topic = "DROP"
	DLeader Topic = "LEADER"
	DLog    Topic = "SEND"    // sending log
	DLog2   Topic = "RECEIVE" // receiving log
	DNet    Topic = "NET"
	DTerm   Topic = "TERM"
	DTimer  Topic = "TIMER"
	DVote   Topic = "VOTE"
	DApply  Topic = "APPLY"
)

func topicLevel(topic Topic) int {
	switch topic {
	case DError:
		return 3
	case DWarn:
		return 2
	case DInfo:
		return 1
	case DDebug:
		return 0
	default:
		return 1
	}
}

// VERBOSE=<n> only lets topics of level >= n through. Unset lets everything
// through and leaves the filtering to the sink.
func envLevel() int {
	v := os.Getenv("VERBOSE")
	if v == "" {
		return 0
	}
	level, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("Invalid verbosity %v", v)
	}
	return level
}

var (
	logStart = time.Now()
	logLevel int32
)

func init() {
	atomic.StoreInt32(&logLevel, int32(envLevel()))
}

// SetLevel overrides the threshold read from VERBOSE.
func SetLevel(level int) {
	atomic.StoreInt32(&logLevel, int32(level))
}

func Enabled(topic Topic) bool {
	return topicLevel(topic) >= int(atomic.LoadInt32(&logLevel))
}

// Format renders one trace line with the elapsed-time, term, topic and peer prefix.
func Format(peerId int, term int, topic Topic, format string, a ...interface{}) string {
	curTime := time.Since(logStart).Microseconds() / 100
	prefix := fmt.Sprintf("%06d T%04d %v S%d ", curTime, term, string(topic), peerId)
	return prefix + fmt.Sprintf(format, a...)
}

// Logf formats and forwards a line to logger when the topic is enabled.
func Logf(logger Logger, peerId int, term int, topic Topic, format string, a ...interface{}) {
	if logger == nil || !Enabled(topic) {
		return
	}
	logger.Log(Format(peerId, term, topic, format, a...))
}
