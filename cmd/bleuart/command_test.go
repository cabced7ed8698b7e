package main

import (
	"bytes"
	"testing"
	"time"
)

// resetFlags restores every command flag to its default so tests sharing
// rootCmd do not leak state into each other.
func resetFlags(t *testing.T) {
	t.Helper()
	advName, advServices, advAppearance = "", nil, 0
	advLimited, advBREDR, advFormat = false, false, "text"
	demoMessage, demoTimeout, demoTrace = "hello from central", 5*time.Second, false
	servePTY, serveEcho, serveDuration = false, true, 0

	for name, value := range map[string]string{"log-level": "", "verbose": "false", "config": ""} {
		if err := rootCmd.PersistentFlags().Set(name, value); err != nil {
			t.Fatalf("reset --%s: %v", name, err)
		}
	}
}

// executeCommand runs rootCmd with args and returns combined output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(t)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}
