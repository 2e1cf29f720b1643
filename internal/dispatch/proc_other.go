//go:build !linux

package dispatch

func readProcessMemory() (ProcessMemory, bool) { return ProcessMemory{}, false }
