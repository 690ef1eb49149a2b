// Package logs exposes the info, warning and error loggers shared by the
// rest of the module. The package's init function calls Init, so the
// loggers are ready as soon as the package is imported.
package logs

import (
	"log"
	"os"
)

var (
	Info  *log.Logger
	Warn  *log.Logger
	Error *log.Logger
)

// Init sets up the package loggers to write to stderr with file:line
// prefixes, the way a long-running server process wants them.
func Init() {
	Info = log.New(os.Stderr, "I ", log.LstdFlags|log.Lshortfile)
	Warn = log.New(os.Stderr, "W ", log.LstdFlags|log.Lshortfile)
	Error = log.New(os.Stderr, "E ", log.LstdFlags|log.Lshortfile)
}

func init() {
	Init()
}
