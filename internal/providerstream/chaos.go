package providerstream

import "sync/atomic"

// ChaosMode controls fault injection for driver tests: it lets a test force
// a stream stall or a mid-response disconnect without a fake HTTP server
// round trip for every case. Disabled by default.
type ChaosMode int32

const (
	ChaosNone ChaosMode = iota
	ChaosStall
	ChaosDisconnect
)

// ChaosSwitch is a process-wide toggle read by the driver before each
// chunk is forwarded downstream. Tests flip it; production code never
// touches it.
type ChaosSwitch struct {
	mode atomic.Int32
}

func (c *ChaosSwitch) Set(mode ChaosMode) { c.mode.Store(int32(mode)) }
func (c *ChaosSwitch) Get() ChaosMode     { return ChaosMode(c.mode.Load()) }
