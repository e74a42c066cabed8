package errcode

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorCodeStringCoversBoundaryNames(t *testing.T) {
	cases := map[ErrorCode]string{
		OK:               "OK",
		InvalArg:         "INVAL_ARG",
		NotFound:         "NOT_FOUND",
		TimeOut:          "TIME_OUT",
		CallbackShelve:   "CALLBACK_SHELVE",
		ValidationFailed: "VALIDATION_FAILED",
	}
	for code, want := range cases {
		require.Equal(t, want, code.String())
	}
}

func TestErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(Internal, "wrapped", cause)
	require.ErrorIs(t, err, cause)
}

func TestErrorListFirstReturnsFirstAdded(t *testing.T) {
	var list ErrorList
	require.True(t, list.Empty())
	list.Add(NewError(NotFound, "a", nil))
	list.Add(NewError(Exists, "b", nil))
	require.False(t, list.Empty())
	require.Equal(t, NotFound, list.First().Code)
}
