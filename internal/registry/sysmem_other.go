//go:build !linux

package registry

func systemMemoryBytes() int64 {
	return 0
}
