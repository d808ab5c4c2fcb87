package log

import (
	hclog "github.com/hashicorp/go-hclog"
)

// SetLevel parses a level name ("trace", "debug", "info", ...) and applies
// it to L. Unknown names leave the level untouched.
func SetLevel(name string) {
	if lvl := hclog.LevelFromString(name); lvl != hclog.NoLevel {
		L.SetLevel(lvl)
	}
}
