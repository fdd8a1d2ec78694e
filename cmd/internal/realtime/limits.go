package realtime

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 1 << 20 // 1 MiB

	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)
