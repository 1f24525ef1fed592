package addons_test

import (
	"bytes"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/klauspost/compress/gzip"

	"github.com/anime-games-proxy/agproxy/proxy"
	"github.com/anime-games-proxy/agproxy/proxy/addons"
)

// syncBuffer is a bytes.Buffer safe for the dumper goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(c *qt.C, read func() string, want string) string {
	c.Helper()
	var s string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s = read()
		if strings.Contains(s, want) {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s
}

func dumpFlow() *proxy.Flow {
	f := proxy.NewFlow()
	f.Request = &proxy.Request{
		Method: http.MethodPost,
		URL:    &url.URL{Scheme: "https", Host: "example.hoyoverse.com", Path: "/query", RawQuery: "x=1"},
		Proto:  "HTTP/1.1",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"a":1}`),
	}
	return f
}

func TestDumperWritesHeadersAndBodies(t *testing.T) {
	c := qt.New(t)

	var zipped bytes.Buffer
	zw := gzip.NewWriter(&zipped)
	_, err := zw.Write([]byte("decoded response"))
	c.Assert(err, qt.IsNil)
	c.Assert(zw.Close(), qt.IsNil)

	out := &syncBuffer{}
	d := addons.NewDumper(out, addons.DumpBodies)

	f := dumpFlow()
	d.Requestheaders(f)
	f.Response = &proxy.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/plain"}, "Content-Encoding": {"gzip"}},
		Body:       zipped.Bytes(),
	}
	f.Finish()

	dump := waitFor(c, out.String, "decoded response")
	c.Assert(dump, qt.Contains, "POST https://example.hoyoverse.com/query?x=1 HTTP/1.1\r\n")
	c.Assert(dump, qt.Contains, "Content-Type: application/json\r\n")
	c.Assert(dump, qt.Contains, `{"a":1}`)
	c.Assert(dump, qt.Contains, "HTTP/1.1 200 OK\r\n")
	c.Assert(dump, qt.Contains, "decoded response")
}

func TestDumperHeadersLevelOmitsBodies(t *testing.T) {
	c := qt.New(t)

	out := &syncBuffer{}
	d := addons.NewDumper(out, addons.DumpHeaders)

	f := dumpFlow()
	f.Redirect(&url.URL{Scheme: "http", Host: "127.0.0.1:9000", Path: "/query", RawQuery: "x=1"})
	d.Requestheaders(f)
	f.Finish()

	dump := waitFor(c, out.String, "POST http://127.0.0.1:9000/query?x=1")
	c.Assert(dump, qt.Contains, "# redirected from https://example.hoyoverse.com/query?x=1")
	c.Assert(dump, qt.Not(qt.Contains), `{"a":1}`)
}

func TestDumperSkipsTunnels(t *testing.T) {
	c := qt.New(t)

	out := &syncBuffer{}
	d := addons.NewDumper(out, addons.DumpBodies)

	f := proxy.NewFlow()
	f.Request = &proxy.Request{Method: http.MethodConnect, URL: &url.URL{Host: "example.com:443"}}
	d.Requestheaders(f)
	f.Finish()
	time.Sleep(20 * time.Millisecond)

	c.Assert(out.String(), qt.Equals, "")
}

func TestNewDumperWithFilename(t *testing.T) {
	c := qt.New(t)

	filename := t.TempDir() + "/dump.txt"
	d, err := addons.NewDumperWithFilename(filename, addons.DumpHeaders)
	c.Assert(err, qt.IsNil)
	defer d.Close()

	f := dumpFlow()
	d.Requestheaders(f)
	f.Finish()

	dump := waitFor(c, func() string {
		data, _ := os.ReadFile(filename)
		return string(data)
	}, "POST https://example.hoyoverse.com/query?x=1")
	c.Assert(dump, qt.Contains, "POST https://example.hoyoverse.com/query?x=1")

	_, err = addons.NewDumperWithFilename(t.TempDir()+"/missing/dump.txt", addons.DumpHeaders)
	c.Assert(err, qt.ErrorMatches, "open dump file: .*")
}
