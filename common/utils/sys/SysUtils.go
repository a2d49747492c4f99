package sys

import (
	"i3go/common/logger"
	"runtime/debug"

	"github.com/petermattis/goid"
)

func GetGID() uint64 {
	id := goid.Get()
	return uint64(id)
}

func CatchPanic() {
	if err := recover(); err != nil {
		s := string(debug.Stack())
		logger.Error("panic:", GetGID(), err, s)
	}
}
