package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// heartbeatMinInterval spaces heartbeat writes so a busy worker does not
// hammer the filesystem.
const heartbeatMinInterval = 2500 * time.Millisecond

// heartbeat maintains the liveness file: an ASCII decimal epoch updated
// after every request and idle period, created on start and deleted on
// clean exit.
type heartbeat struct {
	path string
	last time.Time
}

// newHeartbeat expands the path template ({pid}, {fid}) and writes the
// initial beat. A nil heartbeat (empty template) is safe to use.
func newHeartbeat(template string, forkID int) (*heartbeat, error) {
	if template == "" {
		return nil, nil
	}
	path := strings.ReplaceAll(template, "{pid}", strconv.Itoa(os.Getpid()))
	path = strings.ReplaceAll(path, "{fid}", strconv.Itoa(forkID))
	h := &heartbeat{path: path}
	if err := h.write(); err != nil {
		return nil, fmt.Errorf("op=server.newHeartbeat: %w", err)
	}
	return h, nil
}

// Tick refreshes the file when enough time has passed since the last
// write.
func (h *heartbeat) Tick() {
	if h == nil {
		return
	}
	if time.Since(h.last) < heartbeatMinInterval {
		return
	}
	_ = h.write()
}

func (h *heartbeat) write() error {
	h.last = time.Now()
	return os.WriteFile(h.path, []byte(strconv.FormatInt(h.last.Unix(), 10)), 0o644)
}

// Close removes the liveness file.
func (h *heartbeat) Close() {
	if h == nil {
		return
	}
	_ = os.Remove(h.path)
}
