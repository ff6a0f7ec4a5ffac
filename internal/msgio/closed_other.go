//go:build !unix && !windows

package msgio

func truncated(error) bool { return false }

func closedPlatform(error) bool { return false }
