//go:build !linux

package transcode

import (
	"os"
	"time"
)

func accessTime(path string, info os.FileInfo) time.Time {
	return info.ModTime()
}
