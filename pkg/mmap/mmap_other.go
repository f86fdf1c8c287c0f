//go:build !linux && !darwin
// +build !linux,!darwin

package mmap

func mmap(int, int) ([]byte, error) { return nil, errUnsupported }

func munmap([]byte) error { return nil }

func adviseSequential([]byte) error { return nil }
