package rpc

import (
	"strconv"
	"strings"
)

// versionLess reports whether v is older than min, comparing dotted
// numeric components left to right (spec.md S4.9 "version: compared
// with a minimum required version"). A component that fails to parse
// as a number sorts as 0, so malformed versions are treated as old
// rather than rejected outright -- the caller's minVersion check is
// what actually enforces compatibility.
func versionLess(v, min string) bool {
	vp := versionParts(v)
	mp := versionParts(min)
	for i := 0; i < len(vp) || i < len(mp); i++ {
		var a, b int
		if i < len(vp) {
			a = vp[i]
		}
		if i < len(mp) {
			b = mp[i]
		}
		if a != b {
			return a < b
		}
	}
	return false
}

func versionParts(v string) []int {
	fields := strings.Split(v, ".")
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			n = 0
		}
		out[i] = n
	}
	return out
}
