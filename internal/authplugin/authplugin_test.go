package authplugin

import (
	"context"
	"crypto/sha512"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anastasis-provider/anastasis/internal/store"
)

func TestRegistryLooksUpBuiltinQuestion(t *testing.T) {
	r := NewRegistry()
	c, err := r.Lookup("question")
	require.NoError(t, err)
	assert.True(t, c.UserProvidedCode)
	assert.Equal(t, 3, c.RetryCounter)
}

func TestRegistryUnknownMethod(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("carrier-pigeon")
	var unk ErrUnknownMethod
	require.ErrorAs(t, err, &unk)
	assert.Equal(t, "carrier-pigeon", unk.Method)
}

func TestQuestionPluginValidateMatchesHashedAnswer(t *testing.T) {
	c := QuestionPlugin()
	answer := sha512.Sum512([]byte("The-Answer"))
	wrong := sha512.Sum512([]byte("Wrong-Answer"))

	assert.Equal(t, ValidateOK, c.Validate(context.Background(), "binary/sha512", answer[:], answer[:]))
	assert.Equal(t, ValidateInvalid, c.Validate(context.Background(), "binary/sha512", answer[:], wrong[:]))
}

func TestRegisterAddsMethod(t *testing.T) {
	r := NewRegistry()
	r.Register(FilePlugin(store.Amount{}, nil))
	c, err := r.Lookup("file")
	require.NoError(t, err)
	assert.False(t, c.UserProvidedCode)
}
