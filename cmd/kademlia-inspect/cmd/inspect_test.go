package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/gauss-project/kadtable/internal/kadcrypto"
	"github.com/gauss-project/kadtable/pkg/kademlia"
	"github.com/gauss-project/kadtable/pkg/overlay"
)

func TestInspectCmdReportsDumpedTable(t *testing.T) {
	fs := afero.NewMemMapFs()
	own := overlay.MustParseHexAddress(strings.Repeat("00", 32))
	peer := overlay.MustParseHexAddress(strings.Repeat("ff", 32))

	table := kademlia.New(own, kademlia.Options{
		Hasher:   kadcrypto.SHA1Hasher{},
		Filename: "/table.json",
		FS:       fs,
	})
	table.ReportExistence(&kademlia.PeerInfo{
		Address:  peer,
		URI:      "aurora://peer:1634",
		LastSeen: time.Now(),
	}, peer)
	if err := table.Dump(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	c, err := newCommand(
		WithArgs("inspect", "--file", "/table.json", "--own-address", own.String()),
		WithOutput(&out),
		WithHomeDir(t.TempDir()),
		WithFilesystem(fs),
	)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Execute(); err != nil {
		t.Fatal(err)
	}

	got := out.String()
	if !strings.Contains(got, "known peers:       1") {
		t.Errorf("report missing known-peer count, got:\n%s", got)
	}
	if !strings.Contains(got, peer.String()) {
		t.Errorf("report missing peer address, got:\n%s", got)
	}
}
