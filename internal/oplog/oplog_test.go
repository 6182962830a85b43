package oplog

import (
	"path/filepath"
	"testing"
)

func TestAppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.db")

	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	ops := []string{"Insert:{}", "Delete:{}", "Insert:{}"}
	for _, op := range ops {
		if err := l.Append([]byte(op)); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	// replay survives reopening and preserves append order
	l, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	var got []string
	err = l.Replay(func(op []byte) error {
		got = append(got, string(op))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(ops) {
		t.Fatalf("got %d ops, want %d", len(got), len(ops))
	}
	for i := range ops {
		if got[i] != ops[i] {
			t.Errorf("op %d: got %q, want %q", i, got[i], ops[i])
		}
	}
}
