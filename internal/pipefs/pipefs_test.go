package pipefs

import (
	"testing"
	"time"

	"github.com/nanokern/kernel/internal/kerr"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	p := newPipe()
	p.AddReader()
	p.AddWriter()
	n, errno := p.Write([]byte("hello"))
	if !errno.Ok() || n != 5 {
		t.Fatalf("write: n=%d errno=%v", n, errno)
	}
	buf := make([]byte, 5)
	n, errno = p.Read(buf)
	if !errno.Ok() || string(buf[:n]) != "hello" {
		t.Fatalf("read: n=%d errno=%v buf=%q", n, errno, buf[:n])
	}
}

func TestReadBlocksUntilWriterProduces(t *testing.T) {
	p := newPipe()
	p.AddReader()
	p.AddWriter()
	done := make(chan struct{})
	var got string
	go func() {
		buf := make([]byte, 3)
		n, errno := p.Read(buf)
		if !errno.Ok() {
			t.Errorf("read failed: %v", errno)
		}
		got = string(buf[:n])
		close(done)
	}()
	time.Sleep(5 * time.Millisecond) // reader should now be blocked in Wait
	if _, errno := p.Write([]byte("abc")); !errno.Ok() {
		t.Fatalf("write failed: %v", errno)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read never woke after write")
	}
	if got != "abc" {
		t.Fatalf("expected \"abc\", got %q", got)
	}
}

func TestReadReturnsEOFAfterAllWritersClose(t *testing.T) {
	p := newPipe()
	p.AddReader()
	p.AddWriter()
	done := make(chan struct{})
	var n int
	var errno kerr.Errno
	go func() {
		buf := make([]byte, 1)
		n, errno = p.Read(buf)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	p.CloseWriter()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read never woke after last writer closed")
	}
	if n != 0 || !errno.Ok() {
		t.Fatalf("expected (0, OK) EOF, got (%d, %v)", n, errno)
	}
}

func TestWriteFailsPipeClosedAfterReaderCloses(t *testing.T) {
	p := newPipe()
	p.AddReader()
	p.AddWriter()
	p.CloseReader()
	if _, errno := p.Write([]byte("x")); errno != kerr.PipeClosed {
		t.Fatalf("expected PipeClosed, got %v", errno)
	}
}

func TestWriteBlocksUntilReaderDrains(t *testing.T) {
	p := newPipe()
	p.AddReader()
	p.AddWriter()
	// Fill the buffer completely, then one more byte must block.
	if _, errno := p.Write(make([]byte, Capacity)); !errno.Ok() {
		t.Fatalf("fill write failed: %v", errno)
	}
	done := make(chan struct{})
	go func() {
		if _, errno := p.Write([]byte{'z'}); !errno.Ok() {
			t.Errorf("blocked write failed: %v", errno)
		}
		close(done)
	}()
	time.Sleep(5 * time.Millisecond) // writer should now be blocked in Wait
	buf := make([]byte, 1)
	if _, errno := p.Read(buf); !errno.Ok() {
		t.Fatalf("drain read failed: %v", errno)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write never woke after drain")
	}
}

func TestPollReadableAndWritable(t *testing.T) {
	p := newPipe()
	p.AddReader()
	p.AddWriter()
	if p.PollReadable() {
		t.Fatal("empty pipe with open writer should not be readable")
	}
	if !p.PollWritable() {
		t.Fatal("empty pipe should be writable")
	}
	p.Write([]byte("x"))
	if !p.PollReadable() {
		t.Fatal("pipe with data should be readable")
	}
	p.CloseWriter()
	if !p.PollReadable() {
		t.Fatal("pipe should be readable (EOF) once writer side closes")
	}
}
