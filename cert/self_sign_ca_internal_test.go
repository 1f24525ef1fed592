// This file covers unexported helpers of the CA.
//
// Justification:
// - getStorePath: the default location must stay under the user's data directory
// - saveCertTo: the persisted certificate must be plain PEM
// - wrapHex: regedit rejects blobs whose continuation lines are malformed

package cert

import (
	"bytes"
	"encoding/pem"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestGetStorePath(t *testing.T) {
	c := qt.New(t)
	t.Setenv("HOME", "/home/traveler")
	t.Setenv("XDG_DATA_HOME", "")

	path, err := getStorePath("")
	c.Assert(err, qt.IsNil)
	c.Assert(path, qt.Equals, filepath.Join("/home/traveler", ".local", "share", "anime-games-proxy", "ca"))

	t.Setenv("XDG_DATA_HOME", "/data")
	path, err = getStorePath("")
	c.Assert(err, qt.IsNil)
	c.Assert(path, qt.Equals, filepath.Join("/data", "anime-games-proxy", "ca"))

	path, err = getStorePath("/tmp/custom")
	c.Assert(err, qt.IsNil)
	c.Assert(path, qt.Equals, "/tmp/custom")
}

func TestSaveCertToWritesPEM(t *testing.T) {
	c := qt.New(t)
	ca, err := NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	var buf bytes.Buffer
	c.Assert(ca.saveCertTo(&buf, ca.RootCert), qt.IsNil)

	block, rest := pem.Decode(buf.Bytes())
	c.Assert(block, qt.IsNotNil)
	c.Assert(block.Type, qt.Equals, "CERTIFICATE")
	c.Assert(block.Bytes, qt.DeepEquals, ca.RootCert.Raw)
	c.Assert(rest, qt.HasLen, 0)
}

func TestWrapHex(t *testing.T) {
	c := qt.New(t)

	c.Assert(wrapHex([]byte{0x01, 0xab}), qt.Equals, "01,ab")

	data := bytes.Repeat([]byte{0xff}, 60)
	lines := strings.Split(wrapHex(data), "\\\n  ")
	c.Assert(len(lines) > 1, qt.IsTrue)
	for _, line := range lines[:len(lines)-1] {
		c.Assert(line, qt.HasLen, hexLineWidth)
	}
	c.Assert(strings.Join(lines, ""), qt.Equals, strings.TrimSuffix(strings.Repeat("ff,", 60), ","))
}
