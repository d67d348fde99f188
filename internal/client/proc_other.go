//go:build !unix

package client

import "os/exec"

// configureProcess keeps exec's default Cancel, which kills the child only.
func configureProcess(cmd *exec.Cmd) {}
