package addons

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"unicode"

	"github.com/anime-games-proxy/agproxy/proxy"
)

// DumpLevel selects how much of a flow Dumper writes.
type DumpLevel int

const (
	// DumpHeaders writes the request line, status line and headers.
	DumpHeaders DumpLevel = iota
	// DumpBodies also writes decoded text bodies.
	DumpBodies
)

// Dumper writes completed flows to a writer in a human readable form.
type Dumper struct {
	proxy.BaseAddon
	level DumpLevel

	mu  sync.Mutex
	out io.Writer
}

// NewDumper creates a dumper writing to out.
func NewDumper(out io.Writer, level DumpLevel) *Dumper {
	if level != DumpBodies {
		level = DumpHeaders
	}
	return &Dumper{out: out, level: level}
}

// NewDumperWithFilename creates a dumper appending to filename.
func NewDumperWithFilename(filename string, level DumpLevel) (*Dumper, error) {
	out, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dump file: %w", err)
	}
	return NewDumper(out, level), nil
}

// Close closes the underlying writer when it is closable.
func (d *Dumper) Close() error {
	if c, ok := d.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (d *Dumper) Requestheaders(f *proxy.Flow) {
	if f.Request.Method == http.MethodConnect {
		return
	}
	go func() {
		<-f.Done()
		d.dump(f)
	}()
}

func (d *Dumper) dump(f *proxy.Flow) {
	buf := bytes.NewBuffer(make([]byte, 0))

	if f.Redirected() {
		fmt.Fprintf(buf, "# redirected from %s\r\n", f.RedirectedFrom.String())
	}
	fmt.Fprintf(buf, "%s %s %s\r\n", f.Request.Method, f.Request.URL.String(), protoOrDefault(f.Request.Proto))
	writeHeader(buf, f.Request.Header)
	if d.level == DumpBodies && f.Request.Body != nil && len(f.Request.Body) > 0 && f.Request.IsTextContentType() {
		writeBody(buf, f.Request.DecodedBody)
	}

	if f.Response != nil {
		fmt.Fprintf(buf, "%s %d %s\r\n", protoOrDefault(f.Request.Proto), f.Response.StatusCode, http.StatusText(f.Response.StatusCode))
		writeHeader(buf, f.Response.Header)
		if d.level == DumpBodies && f.Response.Body != nil && len(f.Response.Body) > 0 && f.Response.IsTextContentType() {
			writeBody(buf, f.Response.DecodedBody)
		}
	}
	buf.WriteString("\r\n\r\n")

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.out.Write(buf.Bytes()); err != nil {
		slog.Error("dump flow failed", "in", "addons.Dumper.dump", "error", err)
	}
}

func protoOrDefault(proto string) string {
	if proto == "" {
		return "HTTP/1.1"
	}
	return proto
}

func writeHeader(buf *bytes.Buffer, header http.Header) {
	if err := header.WriteSubset(buf, nil); err != nil {
		slog.Error("dump header failed", "in", "addons.writeHeader", "error", err)
	}
	buf.WriteString("\r\n")
}

func writeBody(buf *bytes.Buffer, decoded func() ([]byte, error)) {
	body, err := decoded()
	if err != nil {
		fmt.Fprintf(buf, "[body not decodable: %v]\r\n\r\n", err)
		return
	}
	if !isPrintable(body) {
		fmt.Fprintf(buf, "[%d bytes of binary body]\r\n\r\n", len(body))
		return
	}
	buf.Write(body)
	buf.WriteString("\r\n\r\n")
}

func isPrintable(body []byte) bool {
	return strings.IndexFunc(string(body), func(r rune) bool {
		return r == unicode.ReplacementChar || (!unicode.IsPrint(r) && !unicode.IsSpace(r))
	}) == -1
}
