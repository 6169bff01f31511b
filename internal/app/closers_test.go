package app

import (
	"errors"
	"testing"
)

func TestClosersRunNewestFirst(t *testing.T) {
	var got []string
	var c closers
	c.add(func() error { got = append(got, "logs"); return nil })
	c.add(func() error { got = append(got, "store"); return errors.New("store busy") })
	c.add(func() error { got = append(got, "journal"); return errors.New("journal") })

	err := c.run()
	if err == nil || err.Error() != "journal" {
		t.Fatalf("run err = %v, want first error from newest closer", err)
	}
	if len(got) != 3 || got[0] != "journal" || got[1] != "store" || got[2] != "logs" {
		t.Fatalf("order = %v", got)
	}
	if err := c.run(); err != nil || len(got) != 3 {
		t.Fatalf("second run: err=%v calls=%v", err, got)
	}
}

func TestClosersRelease(t *testing.T) {
	called := false
	var c closers
	c.add(func() error { called = true; return nil })
	c.release()
	if err := c.run(); err != nil || called {
		t.Fatalf("released closers ran: err=%v called=%v", err, called)
	}
}
