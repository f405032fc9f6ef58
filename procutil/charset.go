package procutil

import (
	"os"
	"strings"
)

// NativeCharset reports the host's default text encoding name for child
// process I/O. Unix platforms are assumed UTF-8 unless LANG/LC_ALL say
// otherwise; Windows legacy consoles default to a codepage-specific
// encoding that most modern terminals have moved away from, so this
// reports "UTF-8" there too unless overridden by environment.
func NativeCharset() string {
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		if v := os.Getenv(key); v != "" {
			if idx := strings.LastIndexByte(v, '.'); idx >= 0 && idx+1 < len(v) {
				return strings.ToUpper(v[idx+1:])
			}
		}
	}
	return "UTF-8"
}
