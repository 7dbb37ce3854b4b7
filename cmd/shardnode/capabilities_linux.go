//go:build linux

package main

import "syscall"

// sampleMemAndDisk fills the OS-reported memory and disk fields of a
// capability snapshot on Linux via sysinfo(2)/statfs(2), mirroring the
// teacher's GOOS-suffixed split for OS-specific sampling
// (pkg/p2pnet/netmonitor_linux.go / netmonitor_darwin.go).
func sampleMemAndDisk(shardsDir string) (memTotal, memAvail, diskTotal, diskAvail uint64) {
	var si syscall.Sysinfo_t
	if err := syscall.Sysinfo(&si); err == nil {
		unit := uint64(si.Unit)
		if unit == 0 {
			unit = 1
		}
		memTotal = uint64(si.Totalram) * unit
		memAvail = uint64(si.Freeram) * unit
	}

	var fs syscall.Statfs_t
	if err := syscall.Statfs(shardsDir, &fs); err == nil {
		diskTotal = uint64(fs.Blocks) * uint64(fs.Bsize)
		diskAvail = uint64(fs.Bavail) * uint64(fs.Bsize)
	}
	return
}
