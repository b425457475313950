package registry

import "golang.org/x/sys/unix"

// systemMemoryBytes reports total physical memory, or 0 when unavailable.
func systemMemoryBytes() int64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return int64(info.Totalram) * int64(info.Unit)
}
