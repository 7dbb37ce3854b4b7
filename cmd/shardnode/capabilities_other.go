//go:build !linux

package main

import "runtime"

// sampleMemAndDisk falls back to the Go runtime's own heap stats on
// platforms without sysinfo(2)/statfs(2); disk figures are left at zero.
func sampleMemAndDisk(shardsDir string) (memTotal, memAvail, diskTotal, diskAvail uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys, m.Sys - m.Alloc, 0, 0
}
