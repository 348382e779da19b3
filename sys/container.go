// Package sys holds small helpers for the host process.
package sys

import (
	"os"
	"regexp"
	"strings"
)

var isCgroupMatch = regexp.MustCompile("(docker|lxc|rkt|libpod|kubepods|containerd)")

// markers are files container runtimes drop into the root filesystem.
var markers = []string{"/.dockerenv", "/run/.containerenv"}

const cgroupFile = "/proc/1/cgroup"

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsRunningInsideContainer reports whether the server runs under a container runtime.
func IsRunningInsideContainer() bool {
	return detectContainer(markers, cgroupFile)
}

func detectContainer(markers []string, cgroup string) bool {
	for _, m := range markers {
		if exists(m) {
			return true
		}
	}
	buf, err := os.ReadFile(cgroup)
	if err != nil || len(buf) == 0 {
		return false
	}
	return isCgroupMatch.MatchString(strings.TrimSpace(string(buf)))
}

// Runtime describes where the server runs, for the startup banner.
func Runtime() string {
	if IsRunningInsideContainer() {
		return "container"
	}
	return "host"
}
