package types

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var errUnsupportedEncoding = errors.New("unsupported content encoding")

var textContentTypes = []string{
	"text",
	"javascript",
	"json",
	"xml",
	"x-www-form-urlencoded",
}

func isTextContentType(header http.Header) bool {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	for _, t := range textContentTypes {
		if strings.Contains(mediaType, t) {
			return true
		}
	}
	return false
}

func decode(enc string, body []byte) ([]byte, error) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		r = fr
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedEncoding, enc)
	}
	return io.ReadAll(r)
}

// IsTextContentType reports whether the request body is human readable.
func (r *Request) IsTextContentType() bool {
	return isTextContentType(r.Header)
}

// DecodedBody returns the body with its Content-Encoding removed.
func (r *Request) DecodedBody() ([]byte, error) {
	return decode(r.Header.Get("Content-Encoding"), r.Body)
}

// IsTextContentType reports whether the response body is human readable.
func (r *Response) IsTextContentType() bool {
	return isTextContentType(r.Header)
}

// DecodedBody returns the body with its Content-Encoding removed.
func (r *Response) DecodedBody() ([]byte, error) {
	return decode(r.Header.Get("Content-Encoding"), r.Body)
}
