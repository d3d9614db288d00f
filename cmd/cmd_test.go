package cmd

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nildb/nildb/internal/config"
	"github.com/nildb/nildb/internal/identity"
	"github.com/nildb/nildb/internal/model"
)

func TestKeygen(t *testing.T) {
	var out bytes.Buffer
	RootCommand.SetOut(&out)
	RootCommand.SetArgs([]string{"keygen", "--json"})
	t.Cleanup(func() {
		RootCommand.SetOut(nil)
		RootCommand.SetArgs(nil)
	})

	if err := RootCommand.Execute(); err != nil {
		t.Fatal(err)
	}

	var keys map[string]string
	if err := json.Unmarshal(out.Bytes(), &keys); err != nil {
		t.Fatal(err)
	}
	kp, err := identity.FromHex(keys["private_key"])
	if err != nil {
		t.Fatal(err)
	}
	if kp.DID() != keys["did"] || kp.PublicKeyHex() != keys["public_key"] {
		t.Fatalf("keypair does not match its private key: %v", keys)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	p := newCommonParams()
	p.dataDir = dir

	root, err := p.load()
	if err != nil {
		t.Fatal(err)
	}
	if root.Database.SQL.Driver != "sqlite3" || !strings.Contains(root.Database.SQL.DSN, dir) {
		t.Fatalf("expected a SQLite database in %s, got %+v", dir, root.Database.SQL)
	}
	if time.Duration(root.Service.HandlerTimeout) != config.DefaultHandlerTimeout {
		t.Fatalf("expected default handler timeout, got %v", root.Service.HandlerTimeout)
	}
}

func TestPrintStats(t *testing.T) {
	s := &model.Schema{ID: "5d3b0b9e-7a0c-4c1e-9d55-3f2a6f0c8e11", Name: "people", DocumentType: model.DocumentTypeOwned}
	st := model.CollectionStats{
		Count:     2,
		Size:      512,
		LastWrite: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Indexes:   []model.Index{{Name: "age_1", Keys: []model.IndexKey{{Field: "age", Direction: 1}}}},
	}

	var out bytes.Buffer
	if err := printStats(&out, s, st); err != nil {
		t.Fatal(err)
	}
	for _, exp := range []string{"people", "owned", "512", "2025-06-01T12:00:00Z", "age_1", "age:1"} {
		if !strings.Contains(out.String(), exp) {
			t.Errorf("expected %q in output:\n%s", exp, out.String())
		}
	}
}
