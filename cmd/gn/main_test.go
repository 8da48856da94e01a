package main

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/graphnote/graphnote/internal/schema"
	"github.com/graphnote/graphnote/internal/search"
	"github.com/graphnote/graphnote/internal/ui"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-03-01T08:00:00Z", time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)},
		{"90m", now.Add(-90 * time.Minute)},
		{"-2h", now.Add(-2 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSince(tt.in, now)
			if err != nil {
				t.Fatalf("parseSince() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseSince() = %v, want %v", got, tt.want)
			}
		})
	}

	got, err := parseSince("2 hours ago", now)
	if err != nil {
		t.Fatalf("parseSince(2 hours ago) error = %v", err)
	}
	if d := now.Sub(got); d < 119*time.Minute || d > 121*time.Minute {
		t.Errorf("parseSince(2 hours ago) = %v, %v before now", got, d)
	}

	for _, in := range []string{"", "   ", "qwerty"} {
		if _, err := parseSince(in, now); !errors.Is(err, schema.ErrInvalidArgument) {
			t.Errorf("parseSince(%q) error = %v, want ErrInvalidArgument", in, err)
		}
	}
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		in      string
		want    search.Filter
		wantErr bool
	}{
		{in: "text~meet", want: search.Filter{Field: "text", Op: search.OpContains, Value: "meet"}},
		{in: "status=Done", want: search.Filter{Field: "status", Op: search.OpEqual, Value: "Done"}},
		{in: "url=a=b", want: search.Filter{Field: "url", Op: search.OpEqual, Value: "a=b"}},
		{in: "name=", want: search.Filter{Field: "name", Op: search.OpEqual}},
		{in: "=x", wantErr: true},
		{in: "plain", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseFilter(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseFilter(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("parseFilter(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestParseSeed(t *testing.T) {
	tomlSeed := `
[[servers]]
id = "official-1"
name = "Official"
type = "official"
url = "https://sync.example.com/sync"
token = "s1"
running = true

[[servers]]
id = "mine"
type = "custom"
url = "http://localhost:9000/sync"
token = "s2"
`
	yamlSeed := `
servers:
  - id: official-1
    name: Official
    type: official
    url: https://sync.example.com/sync
    token: s1
    running: true
  - id: mine
    type: custom
    url: http://localhost:9000/sync
    token: s2
`
	want := []string{"official-1:official:true", "mine:custom:false"}

	for ext, data := range map[string]string{".toml": tomlSeed, ".yaml": yamlSeed, ".YML": yamlSeed} {
		servers, err := parseSeed(ext, []byte(data))
		if err != nil {
			t.Fatalf("parseSeed(%s) error = %v", ext, err)
		}
		var got []string
		for _, s := range servers {
			running := "false"
			if s.Running {
				running = "true"
			}
			got = append(got, s.ID+":"+string(s.Type)+":"+running)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("parseSeed(%s) mismatch (-want +got):\n%s", ext, diff)
		}
		if servers[0].Token != "s1" {
			t.Errorf("parseSeed(%s) lost the signing token", ext)
		}
	}
}

func TestParseSeed_Invalid(t *testing.T) {
	tests := map[string]struct {
		ext  string
		data string
	}{
		"unknown extension": {".json", `{}`},
		"bad toml":          {".toml", `[[servers]`},
		"missing token":     {".yaml", "servers:\n  - id: a\n    type: official\n"},
		"unknown type":      {".yaml", "servers:\n  - id: a\n    type: other\n    token: t\n"},
		"duplicate id":      {".yaml", "servers:\n  - {id: a, type: custom, token: t}\n  - {id: a, type: custom, token: u}\n"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := parseSeed(tt.ext, []byte(tt.data)); !errors.Is(err, schema.ErrInvalidArgument) {
				t.Errorf("parseSeed() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestSpaceData(t *testing.T) {
	data, err := spaceData("sp-1", ui.SpaceForm{Name: "Work", Color: "#fff"})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal([]byte(data), &got); err != nil {
		t.Fatalf("spaceData() is not JSON: %v", err)
	}
	want := map[string]interface{}{
		"id":            "sp-1",
		"name":          "Work",
		"color":         "#fff",
		"isActive":      true,
		"editorMode":    "OUTLINER",
		"activeNodeIds": []interface{}{},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("spaceData() mismatch (-want +got):\n%s", diff)
	}
}
