//go:build !unix

package lsf

func peakRSSBytes() uint64 { return 0 }
