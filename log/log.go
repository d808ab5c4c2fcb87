package log

import (
	"fmt"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

var L hclog.Logger

func init() {
	L = hclog.New(&hclog.LoggerOptions{
		Name: "arden",
	})
	L.SetLevel(hclog.Info)

	if str := os.Getenv("TRACE"); str != "" {
		L.SetLevel(hclog.Trace)
	}
}

// Fatal reports a broken kernel invariant and halts the calling thread. It
// never returns.
func Fatal(msg string, args ...interface{}) {
	L.Error("kernel panic: "+msg, args...)

	if len(args) == 0 {
		panic(msg)
	}

	panic(fmt.Sprintf("%s %v", msg, args))
}
