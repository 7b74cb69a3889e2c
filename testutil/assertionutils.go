package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gitlab.com/arcanecrypto/dropbit/payerr"
)

func isNilValue(i interface{}) bool {
	switch t := i.(type) {
	case nil:
		return true
	case int:
		return t == 0
	case int64:
		return t == 0
	case int32:
		return t == 0
	case int16:
		return t == 0
	case int8:
		return t == 0
	case string:
		return t == ""
	case float32:
		return t == 0
	case float64:
		return t == 0
	case bool:
		return !t
	}

	// we have checked for all primitive types above, this works for non-primitives
	return reflect.ValueOf(i).IsZero()
}

// AssertEqual asserts that the given expected and actual values are equal
// Does not work with structs, use AssertStructEquals if you want to compare
// structs
func AssertEqual(t *testing.T, expected interface{}, actual interface{}, msgs ...string) {
	t.Helper()

	if len(msgs) == 0 {
		msgs = []string{""}
	}

	// we special case errors, to check if their error messages are the same
	firstErr, firstErrOk := expected.(error)
	secondErr, secondErrOk := actual.(error)
	if firstErrOk && secondErrOk {
		AssertEqual(t, firstErr.Error(), secondErr.Error(), msgs...)
		return
	}

	// special case byte slices
	firstBytes, firstBytesOk := expected.([]byte)
	secondBytes, secondBytesOk := actual.([]byte)
	if firstBytesOk && secondBytesOk {
		AssertMsg(t, bytes.Equal(firstBytes, secondBytes),
			fmt.Sprintf("Byte slices %x and %x are not the same! %s", firstBytes, secondBytes, msgs[0]))
		return
	}

	if reflect.ValueOf(expected).Kind() == reflect.Struct && reflect.ValueOf(actual).Kind() == reflect.Struct {
		if !reflect.DeepEqual(expected, actual) {
			FatalMsgf(t, "expected structs to be equal: %s! %s", cmp.Diff(expected, actual), msgs[0])
		}
		return
	}

	bothAreNil := isNilValue(expected) && isNilValue(actual)
	if !bothAreNil && expected != actual {
		FatalMsgf(t, "Expected (%+v) is not equal to actual (%+v)! %s", expected, actual, msgs[0])
	}
}

// AssertMsg asserts that the given condition holds, failing with the given
// message if it doesn't
func AssertMsg(t *testing.T, cond bool, message string) {
	t.Helper()
	if !cond {
		FailMsgf(t, "Assertion error: %s", message)
	}
}

// AssertErrorIs asserts that target is in the chain of err
func AssertErrorIs(t *testing.T, err, target error, msgs ...string) {
	t.Helper()
	if len(msgs) == 0 {
		msgs = []string{""}
	}
	if !errors.Is(err, target) {
		FatalMsgf(t, "Expected error (%v) to wrap (%v)! %s", err, target, msgs[0])
	}
}

// AssertErrorClass asserts that err is classified as class
func AssertErrorClass(t *testing.T, err error, class payerr.Class) {
	t.Helper()
	if actual := payerr.ClassOf(err); actual != class {
		FatalMsgf(t, "Expected error (%v) to be %s, was %s", err, class, actual)
	}
}
