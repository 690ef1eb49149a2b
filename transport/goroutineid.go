package transport

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the calling goroutine's numeric ID from the runtime
// stack trace header ("goroutine 123 [running]: ..."). It exists solely
// to let recursiveMutex detect reentrant Lock calls from the same
// goroutine; no third-party goroutine-identity library appears anywhere
// in the example pack, so this stays on the stdlib runtime package.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}
