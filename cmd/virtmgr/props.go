package main

import (
	"os"
	"strings"
)

// systemProperty resolves ro.boot.* properties from the kernel command
// line, where the bootloader publishes them as androidboot.* arguments.
func systemProperty(name string) (string, bool) {
	key, ok := strings.CutPrefix(name, "ro.boot.")
	if !ok {
		return "", false
	}

	data, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return "", false
	}

	for _, arg := range strings.Fields(string(data)) {
		if v, ok := strings.CutPrefix(arg, "androidboot."+key+"="); ok {
			return v, true
		}
	}
	return "", false
}
