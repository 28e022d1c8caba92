package logger

import (
	"path"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// loggerPkg is the import path of this package, used to skip our wrappers.
var loggerPkg = func() string {
	pc, _, _, _ := runtime.Caller(0)
	return funcPackage(runtime.FuncForPC(pc).Name())
}()

// funcPackage returns the import path of a qualified function name such as
// "cryptostream/internal/watch.(*Router).Handle".
func funcPackage(fn string) string {
	slash := strings.LastIndex(fn, "/")
	if dot := strings.Index(fn[slash+1:], "."); dot >= 0 {
		return fn[:slash+1+dot]
	}
	return fn
}

// callerHook points the entry's caller at the first frame outside logrus and
// this package. Entries logged without a component are tagged with the
// caller's package name, so stream code that logs through the bare logger
// still groups under its package in the dashboard.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		pkg := funcPackage(frame.Function)
		if pkg != "" && pkg != loggerPkg && !strings.HasPrefix(pkg, "github.com/sirupsen/logrus") {
			entry.Caller = &frame
			if _, ok := entry.Data["component"]; !ok {
				entry.Data["component"] = path.Base(pkg)
			}
			return nil
		}
		if !more {
			return nil
		}
	}
}
