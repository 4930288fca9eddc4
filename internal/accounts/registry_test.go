package accounts_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"illustpub/internal/accounts"
	"illustpub/internal/apperr"
)

const sampleRegistry = `
destinations:
  - id: acct1
    name: Daily Landscapes
    app_id: wx123
    app_secret: ${ILLUSTPUB_TEST_SECRET}
    author: curator
    title: Daily picks
    thumb_media_id: thumb-1
    tag_groups:
      - [landscape, scenery]
      - [sky, landscape]
    open_comment: false
  - id: acct2
    title: Other
`

func TestParseExpandsSecretsAndFlattensTags(t *testing.T) {
	t.Setenv("ILLUSTPUB_TEST_SECRET", "s3cret")

	reg, err := accounts.Parse([]byte(sampleRegistry))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	acct, err := reg.Lookup("acct1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if acct.AppSecret != "s3cret" {
		t.Fatalf("expected expanded secret, got %q", acct.AppSecret)
	}
	tags := acct.IncludeTags()
	if len(tags) != 3 || tags[0] != "landscape" || tags[1] != "scenery" || tags[2] != "sky" {
		t.Fatalf("unexpected include tags: %v", tags)
	}
	open, fans := acct.CommentPolicy()
	if open || !fans {
		t.Fatalf("unexpected comment policy open=%v fans=%v", open, fans)
	}

	other, err := reg.Lookup("acct2")
	if err != nil {
		t.Fatalf("lookup acct2: %v", err)
	}
	if other.Name != "acct2" {
		t.Fatalf("name should default to id, got %q", other.Name)
	}
	if open, fans := other.CommentPolicy(); !open || !fans {
		t.Fatalf("comment policy should default to open and fans-only, got open=%v fans=%v", open, fans)
	}
	if got := reg.List(); len(got) != 2 || got[0].ID != "acct1" {
		t.Fatalf("unexpected list order: %+v", got)
	}
}

func TestLookupUnknownIsNotFound(t *testing.T) {
	reg, err := accounts.Parse([]byte(sampleRegistry))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := reg.Lookup("nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestParseRejectsDuplicatesAndMissingIDs(t *testing.T) {
	cases := map[string]string{
		"duplicate": "destinations:\n  - id: a\n  - id: a\n",
		"missing":   "destinations:\n  - name: nameless\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := accounts.Parse([]byte(doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	reg, err := accounts.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(reg.List()) != 0 {
		t.Fatalf("expected empty registry")
	}

	path := filepath.Join(t.TempDir(), "accounts.yaml")
	if err := os.WriteFile(path, []byte(sampleRegistry), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	reg, err = accounts.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ids := reg.IDs(); len(ids) != 2 {
		t.Fatalf("unexpected ids %v", ids)
	}
}
