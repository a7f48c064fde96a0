package identity

import (
	"testing"
)

const nodeHost = "http://node-a.example.com/"

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(nodeHost)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	return r
}

func TestParseSerial(t *testing.T) {
	r := newTestResolver(t)

	ref, err := r.Parse("6c2c3f9b-3328-4b84-9f01-bfc4bfd4a1aa")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if ref.Remote {
		t.Error("expected local ref for bare serial")
	}
	if ref.URL != "http://node-a.example.com/api/authors/6c2c3f9b-3328-4b84-9f01-bfc4bfd4a1aa" {
		t.Errorf("unexpected URL: %s", ref.URL)
	}
	if ref.Serial != "6c2c3f9b-3328-4b84-9f01-bfc4bfd4a1aa" {
		t.Errorf("unexpected serial: %s", ref.Serial)
	}
}

func TestParseFQID(t *testing.T) {
	r := newTestResolver(t)

	tests := []struct {
		name       string
		raw        string
		wantRemote bool
		wantURL    string
	}{
		{
			name:       "local fqid",
			raw:        "http://node-a.example.com/api/authors/6c2c3f9b-3328-4b84-9f01-bfc4bfd4a1aa",
			wantRemote: false,
			wantURL:    "http://node-a.example.com/api/authors/6c2c3f9b-3328-4b84-9f01-bfc4bfd4a1aa",
		},
		{
			name:       "remote fqid",
			raw:        "http://node-b.example.com/api/authors/6c2c3f9b-3328-4b84-9f01-bfc4bfd4a1aa",
			wantRemote: true,
			wantURL:    "http://node-b.example.com/api/authors/6c2c3f9b-3328-4b84-9f01-bfc4bfd4a1aa",
		},
		{
			name:       "percent encoded",
			raw:        "http%3A%2F%2Fnode-b.example.com%2Fapi%2Fauthors%2F6c2c3f9b-3328-4b84-9f01-bfc4bfd4a1aa",
			wantRemote: true,
			wantURL:    "http://node-b.example.com/api/authors/6c2c3f9b-3328-4b84-9f01-bfc4bfd4a1aa",
		},
		{
			name:       "trailing slash normalized",
			raw:        "http://node-b.example.com/api/authors/6c2c3f9b-3328-4b84-9f01-bfc4bfd4a1aa/",
			wantRemote: true,
			wantURL:    "http://node-b.example.com/api/authors/6c2c3f9b-3328-4b84-9f01-bfc4bfd4a1aa",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := r.Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if ref.Remote != tt.wantRemote {
				t.Errorf("Remote = %v, want %v", ref.Remote, tt.wantRemote)
			}
			if ref.URL != tt.wantURL {
				t.Errorf("URL = %s, want %s", ref.URL, tt.wantURL)
			}
			if ref.Serial != "6c2c3f9b-3328-4b84-9f01-bfc4bfd4a1aa" {
				t.Errorf("Serial = %s", ref.Serial)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	r := newTestResolver(t)

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"not a uuid", "not-a-uuid"},
		{"fqid without uuid tail", "http://node-b.example.com/api/authors/alice"},
		{"bare host", "http://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Parse(tt.raw); err == nil {
				t.Errorf("Parse(%q) succeeded, want error", tt.raw)
			}
		})
	}
}

func TestMintedURLs(t *testing.T) {
	r := newTestResolver(t)

	author := "11111111-1111-4111-8111-111111111111"
	object := "22222222-2222-4222-8222-222222222222"

	if got := r.EntryURL(author, object); got != "http://node-a.example.com/api/authors/"+author+"/entries/"+object {
		t.Errorf("EntryURL = %s", got)
	}
	if got := r.CommentURL(author, object); got != "http://node-a.example.com/api/authors/"+author+"/commented/"+object {
		t.Errorf("CommentURL = %s", got)
	}
	if got := r.LikeURL(author, object); got != "http://node-a.example.com/api/authors/"+author+"/liked/"+object {
		t.Errorf("LikeURL = %s", got)
	}
	if got := InboxURL(r.AuthorURL(author) + "/"); got != "http://node-a.example.com/api/authors/"+author+"/inbox/" {
		t.Errorf("InboxURL = %s", got)
	}
}

func TestHostHelpers(t *testing.T) {
	host, err := HostOf("http://node-b.example.com/api/authors/x")
	if err != nil {
		t.Fatalf("HostOf failed: %v", err)
	}
	if host != "http://node-b.example.com/" {
		t.Errorf("HostOf = %s", host)
	}

	if !SameHost("http://n1/api/a", "http://n1/api/b") {
		t.Error("SameHost should match same authority")
	}
	if SameHost("http://n1/api/a", "http://n2/api/a") {
		t.Error("SameHost should not match different authorities")
	}
}
