//go:build !amd64 && !arm64

package patcher

var selfBranch []byte
