//go:build !linux

package recompiler

func lowerThreadPriority() {}
