package utils

import "regexp"

const DefaultBufferSize = 1024 * 1024 * 8 // 8MB buffer
const ToolUserAgent = "vidq/1.0"

const (
	MB = int64(1024 * 1024)
	GB = 1024 * MB
)

var ChunkIDRegex = regexp.MustCompile(`\.part(\d+)$`)
