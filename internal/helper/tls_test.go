package helper_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/anime-games-proxy/agproxy/internal/helper"
)

func TestGetTLSKeyLogWriterReturnsNilWhenNotConfigured(t *testing.T) {
	c := qt.New(t)
	t.Setenv("SSLKEYLOGFILE", "")

	writer := helper.GetTLSKeyLogWriter()

	c.Assert(writer, qt.IsNil)
}
