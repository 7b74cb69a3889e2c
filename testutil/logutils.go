package testutil

/*
This file has several handy functions for logging tests with pretty-printed
output.
*/

import (
	"fmt"
	"testing"
)

const (
	///////////////////////////
	// ASCII control characters
	red   = "\u001b[31m"
	reset = "\u001b[0m"
	// resets coloring
	///////////////////////////

	cross = "❌"
)

// FatalMsg fails the test immediately, printing a red
// error message containing the given test message
func FatalMsg(t *testing.T, message interface{}) {
	t.Helper()
	var msg string

	switch message := message.(type) {
	case error:
		msg = message.Error()
	case fmt.Stringer:
		msg = message.String()
	case string:
		msg = message
	default:
		msg = fmt.Sprintf("%v", message)
	}

	FatalMsgf(t, "%s", msg)
}

// FatalMsgf fails the test immediately, printing a red error message containing
// the given format string interpolated with the given args
func FatalMsgf(t *testing.T, format string, args ...interface{}) {
	t.Helper()
	message := fmt.Sprintf(format, args...)
	t.Fatalf("\t%s%s\t error: %s%s", red, cross, message, reset)
}

// FailMsgf marks the test as failed, but keeps running it
func FailMsgf(t *testing.T, format string, args ...interface{}) {
	t.Helper()
	message := fmt.Sprintf(format, args...)
	t.Errorf("\t%s%s\t error: %s%s", red, cross, message, reset)
}
