package metadata

import "strings"

// Arg returns the value of flag in a tokenized command line. Both
// "--flag value" and "--flag=value" are recognized; the first match wins.
// A flag given as the last token has no value and is reported as absent.
func Arg(args []string, flag string) (string, bool) {
	for i, a := range args {
		if a == flag {
			if i+1 < len(args) {
				return args[i+1], true
			}

			return "", false
		}

		if v, ok := strings.CutPrefix(a, flag+"="); ok {
			return v, true
		}
	}

	return "", false
}
