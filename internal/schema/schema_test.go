package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestIsReservedName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{ReservedSpaceName, true},
		{"  graphnote cloud ", true},
		{"GRAPHNOTE CLOUD", true},
		{"GraphNote Cloud 2", false},
		{"Work", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsReservedName(tt.name); got != tt.want {
			t.Errorf("IsReservedName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSpaceValidate(t *testing.T) {
	valid := Space{ID: "s1", UserID: "u1", Name: "Work"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() on valid space failed: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Space)
	}{
		{"missing id", func(s *Space) { s.ID = "" }},
		{"missing user", func(s *Space) { s.UserID = "" }},
		{"blank name", func(s *Space) { s.Name = "   " }},
		{"long name", func(s *Space) { s.Name = strings.Repeat("x", 201) }},
		{"bad editor mode", func(s *Space) { s.EditorMode = "WYSIWYG" }},
		{"bad snapshot", func(s *Space) { s.NodeSnapshot = json.RawMessage(`{`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			err := s.Validate()
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("Validate() = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestSpaceBinding(t *testing.T) {
	s := &Space{ID: "s1", SyncServerID: "srv", SyncServerURL: "http://sync.example/sync/"}
	if _, err := s.Binding(); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("Binding() without token = %v, want ErrPreconditionFailed", err)
	}

	s.SyncServerAccessToken = "tok"
	b, err := s.Binding()
	if err != nil {
		t.Fatalf("Binding() failed: %v", err)
	}
	if b.URL != "http://sync.example/sync" {
		t.Errorf("URL = %q, want trailing slash trimmed", b.URL)
	}
	if b.SpaceID != "s1" || b.ServerID != "srv" || b.AccessToken != "tok" {
		t.Errorf("Binding() = %+v", b)
	}
}

func TestSpacePasswordNeverSerialized(t *testing.T) {
	s := Space{ID: "s1", UserID: "u1", Name: "Secret", Encrypted: true, Password: "hunter2"}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Errorf("marshaled space contains the password: %s", data)
	}
	if !s.EncryptionEnabled() {
		t.Error("EncryptionEnabled() = false, want true")
	}
	s.Password = ""
	if s.EncryptionEnabled() {
		t.Error("EncryptionEnabled() without password = true, want false")
	}
}

func TestNodeValidate(t *testing.T) {
	now := Now()
	n := &Node{ID: "n1", SpaceID: "s1", UpdatedAt: now, Element: json.RawMessage(`[]`), Props: json.RawMessage(`{}`)}
	if err := n.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	bad := n.Clone()
	bad.Props = json.RawMessage(`{"a":`)
	if err := bad.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Validate() with bad props = %v, want ErrInvalidArgument", err)
	}

	bad = n.Clone()
	bad.UpdatedAt = time.Time{}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Validate() without updatedAt = %v, want ErrInvalidArgument", err)
	}
}

func TestNodeClone(t *testing.T) {
	n := &Node{ID: "n1", Element: json.RawMessage(`"a"`)}
	c := n.Clone()
	c.Element[1] = 'b'
	if string(n.Element) != `"a"` {
		t.Errorf("Clone shares element bytes: original now %s", n.Element)
	}
}

func TestNodePlainText(t *testing.T) {
	n := &Node{Element: json.RawMessage(`[{"type":"p","children":[{"text":"Hello "},{"type":"a","children":[{"text":"world"}]}]}]`)}
	if got := n.PlainText(); got != "Hello world" {
		t.Errorf("PlainText() = %q, want %q", got, "Hello world")
	}

	n.Element = json.RawMessage(`not json`)
	if got := n.PlainText(); got != "" {
		t.Errorf("PlainText() on invalid element = %q, want empty", got)
	}
}

func TestNodeCellProps(t *testing.T) {
	n := &Node{Type: NodeTypeCell, Props: json.RawMessage(`{"columnId":"c1","rowId":"r1","data":"  42 "}`)}
	p, ok := n.CellProps()
	if !ok {
		t.Fatal("CellProps() ok = false")
	}
	if p.ColumnID != "c1" || p.RowID != "r1" {
		t.Errorf("CellProps() = %+v", p)
	}
	if got := p.DataText(); got != "  42 " {
		t.Errorf("DataText() = %q", got)
	}

	p.Data = json.RawMessage(`true`)
	if got := p.DataText(); got != "true" {
		t.Errorf("DataText() for bool = %q, want %q", got, "true")
	}

	n.Type = NodeTypeCommon
	if _, ok := n.CellProps(); ok {
		t.Error("CellProps() on non-cell node ok = true")
	}
}

func TestMillisRoundTrip(t *testing.T) {
	if Millis(time.Time{}) != 0 {
		t.Error("Millis(zero) != 0")
	}
	if !FromMillis(0).IsZero() {
		t.Error("FromMillis(0) is not the zero time")
	}
	ts := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	got := FromMillis(Millis(ts))
	if !got.Equal(Truncate(ts)) {
		t.Errorf("FromMillis(Millis(ts)) = %v, want %v", got, Truncate(ts))
	}
	if got.Nanosecond() != 123000000 {
		t.Errorf("nanoseconds = %d, want 123000000", got.Nanosecond())
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err        error
		retryable  bool
		userAction bool
	}{
		{fmt.Errorf("pull: %w", ErrNetwork), true, false},
		{fmt.Errorf("create: %w", ErrTransactionFailure), true, false},
		{fmt.Errorf("node n1: %w", ErrDecryption), false, true},
		{ErrUnauthorized, false, true},
		{ErrPreconditionFailed, false, true},
		{ErrInvalidArgument, false, false},
		{errors.New("boom"), false, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
		if got := IsUserActionRequired(tt.err); got != tt.userAction {
			t.Errorf("IsUserActionRequired(%v) = %v, want %v", tt.err, got, tt.userAction)
		}
	}
}
