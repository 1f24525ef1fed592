package helper

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
)

var normalErrMsgs = []string{
	"read: connection reset by peer",
	"write: broken pipe",
	"i/o timeout",
	"net/http: TLS handshake timeout",
	"io: read/write on closed pipe",
	"connect: connection refused",
	"connect: connection reset by peer",
	"use of closed network connection",
	"context canceled",
	"server closed idle connection",
}

// IsNormalNetErr reports whether err is the kind of failure a proxy sees
// whenever a peer goes away.
func IsNormalNetErr(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	for _, str := range normalErrMsgs {
		if strings.Contains(msg, str) {
			return true
		}
	}
	return false
}

// LogErr logs err at error level unless it is a normal network error.
func LogErr(logger *slog.Logger, err error) {
	if IsNormalNetErr(err) {
		logger.Debug("normal error", "error", err)
		return
	}
	logger.Error("unexpected error", "error", err)
}

// closeReader is implemented by connections that support half-close.
type closeReader interface {
	CloseRead() error
}

// Transfer copies in both directions until either side fails, then
// closes both.
func Transfer(logger *slog.Logger, server, client io.ReadWriteCloser) {
	done := make(chan struct{})
	defer close(done)

	errChan := make(chan error)
	go func() {
		_, err := io.Copy(server, client)
		logger.Debug("client copy end", "error", err)
		client.Close()
		select {
		case <-done:
		case errChan <- err:
		}
	}()
	go func() {
		_, err := io.Copy(client, server)
		logger.Debug("server copy end", "error", err)
		server.Close()
		if cr, ok := client.(closeReader); ok {
			_ = cr.CloseRead()
		}
		select {
		case <-done:
		case errChan <- err:
		}
	}()

	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil {
			LogErr(logger, err)
			return
		}
	}
}
