package lg

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlatten(t *testing.T) {
	out := flatten(String("user", "alice"), Int("attempts", 3))
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "3")
	assert.Equal(t, "", flatten())
}

func TestFromContext(t *testing.T) {
	assert.Equal(t, defaultLogger{}, FromContext(context.Background()))

	ctx := Attach(context.Background(), Discard)
	assert.Equal(t, Discard, FromContext(ctx))
}

func TestNewConsoleLogger(t *testing.T) {
	l := New(NewConfig("biusrv-test", false, ""))
	assert.NotNil(t, l)
	l.With(String("server", "a")).Info("hello", Err(errors.New("boom")))
}
