//go:build !unix

package app

func RestrictFileMode() {}
