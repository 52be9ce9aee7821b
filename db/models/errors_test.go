package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultEnvelope(t *testing.T) {
	t.Run("Ok carries the value", func(t *testing.T) {
		f := Folder{ID: 1, FolderName: "Docs"}
		data, err := json.Marshal(Result[Folder]{Ok: &f})
		require.NoError(t, err)
		assert.JSONEq(t, `{"Ok":{"id":1,"folder_name":"Docs","updated_at":null}}`, string(data))

		got, err := DecodeResult[Folder](data)
		require.NoError(t, err)
		assert.Equal(t, f, got)
	})

	t.Run("each error kind survives the wire", func(t *testing.T) {
		cases := []struct {
			err  RegistryError
			wire string
		}{
			{&ErrNotFound{Msg: "a file with id=3 not found"}, `{"Err":{"NotFound":{"msg":"a file with id=3 not found"}}}`},
			{&ErrCreateFail{Msg: "Invalid mime type"}, `{"Err":{"CreateFail":{"msg":"Invalid mime type"}}}`},
			{&ErrUpdateFail{Msg: "Invalid content"}, `{"Err":{"UpdateFail":{"msg":"Invalid content"}}}`},
		}
		for _, tc := range cases {
			t.Run(string(tc.err.Kind()), func(t *testing.T) {
				data, err := json.Marshal(Result[File]{Err: ToVariant(tc.err)})
				require.NoError(t, err)
				assert.JSONEq(t, tc.wire, string(data))

				_, err = DecodeResult[File](data)
				require.Error(t, err)
				re, ok := AsRegistryError(err)
				require.True(t, ok)
				assert.Equal(t, tc.err.Kind(), re.Kind())
				assert.Equal(t, tc.err.Error(), re.Error())
			})
		}
	})

	t.Run("empty envelope is an error", func(t *testing.T) {
		_, err := DecodeResult[File]([]byte(`{}`))
		require.Error(t, err)
		_, ok := AsRegistryError(err)
		assert.False(t, ok)
	})
}

func TestAsRegistryError_Wrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", &ErrUpdateFail{Msg: "Invalid file name"})
	re, ok := AsRegistryError(err)
	require.True(t, ok)
	assert.Equal(t, KindUpdateFail, re.Kind())

	_, ok = AsRegistryError(errors.New("disk on fire"))
	assert.False(t, ok)
}
