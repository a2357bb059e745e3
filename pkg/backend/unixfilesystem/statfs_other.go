//go:build !linux && !darwin

package unixfilesystem

import "errors"

func diskFree(path string) (int64, error) {
	return 0, errors.New("free space is not available on this platform")
}
