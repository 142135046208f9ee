package chardev

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nanokern/kernel/internal/kerr"
)

func injectString(d *Device, s string) {
	for i := 0; i < len(s); i++ {
		d.Inject(s[i])
	}
}

func TestCanonicalModeHoldsLineUntilNewline(t *testing.T) {
	d := New()
	d.SetForegroundPGID(1)
	injectString(d, "ab")
	if d.PollReadable() {
		t.Fatal("partial line should not be readable in canonical mode")
	}
	injectString(d, "c\n")
	if !d.PollReadable() {
		t.Fatal("completed line should be readable")
	}
	buf := make([]byte, 8)
	n, errno := d.Read(1, buf)
	if !errno.Ok() || string(buf[:n]) != "abc\n" {
		t.Fatalf("got %q errno=%v", buf[:n], errno)
	}
}

func TestEraseEditsInProgressLine(t *testing.T) {
	d := New()
	d.SetForegroundPGID(1)
	injectString(d, "abX")
	d.Inject(d.Tcgetattr().Cc[unix.VERASE])
	injectString(d, "c\n")
	buf := make([]byte, 8)
	n, errno := d.Read(1, buf)
	if !errno.Ok() || string(buf[:n]) != "abc\n" {
		t.Fatalf("erase did not take effect: got %q", buf[:n])
	}
}

func TestRawModeDeliversEveryByteImmediately(t *testing.T) {
	d := New()
	d.SetForegroundPGID(1)
	raw := d.Tcgetattr()
	raw.Lflag &^= unix.ICANON
	d.Tcsetattr(raw)

	d.Inject('x')
	if !d.PollReadable() {
		t.Fatal("raw mode should expose bytes without waiting for newline")
	}
	buf := make([]byte, 1)
	n, errno := d.Read(1, buf)
	if !errno.Ok() || n != 1 || buf[0] != 'x' {
		t.Fatalf("got n=%d buf=%v errno=%v", n, buf, errno)
	}
}

func TestReadBlocksUntilInputArrives(t *testing.T) {
	d := New()
	d.SetForegroundPGID(1)
	done := make(chan struct{})
	var got string
	go func() {
		buf := make([]byte, 8)
		n, errno := d.Read(1, buf)
		if !errno.Ok() {
			t.Errorf("read failed: %v", errno)
		}
		got = string(buf[:n])
		close(done)
	}()
	time.Sleep(5 * time.Millisecond) // reader should now be blocked in Wait
	injectString(d, "hi\n")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read never woke after input arrived")
	}
	if got != "hi\n" {
		t.Fatalf("expected \"hi\\n\", got %q", got)
	}
}

type recordingJobControl struct {
	ttin, ttou, intr chan int32
}

func newRecordingJobControl() *recordingJobControl {
	return &recordingJobControl{
		ttin: make(chan int32, 1),
		ttou: make(chan int32, 1),
		intr: make(chan int32, 1),
	}
}

func (r *recordingJobControl) RaiseSIGINT(pgid int32)  { r.intr <- pgid }
func (r *recordingJobControl) RaiseSIGTTIN(pgid int32) { r.ttin <- pgid }
func (r *recordingJobControl) RaiseSIGTTOU(pgid int32) { r.ttou <- pgid }

func TestBackgroundReadRaisesSIGTTIN(t *testing.T) {
	d := New()
	d.SetForegroundPGID(1)
	jc := newRecordingJobControl()
	d.SetJobControl(jc)

	_, errno := d.Read(2, make([]byte, 1))
	if errno != kerr.Interrupted {
		t.Fatalf("expected Interrupted, got %v", errno)
	}
	select {
	case pgid := <-jc.ttin:
		if pgid != 2 {
			t.Fatalf("expected SIGTTIN for pgid 2, got %d", pgid)
		}
	default:
		t.Fatal("expected SIGTTIN to be raised")
	}
}

func TestBackgroundWriteRaisesSIGTTOUWhenTOSTOPSet(t *testing.T) {
	d := New()
	d.SetForegroundPGID(1)
	raw := d.Tcgetattr()
	raw.Lflag |= unix.TOSTOP
	d.Tcsetattr(raw)
	jc := newRecordingJobControl()
	d.SetJobControl(jc)

	_, errno := d.Write(2, []byte("x"))
	if errno != kerr.Interrupted {
		t.Fatalf("expected Interrupted, got %v", errno)
	}
	select {
	case pgid := <-jc.ttou:
		if pgid != 2 {
			t.Fatalf("expected SIGTTOU for pgid 2, got %d", pgid)
		}
	default:
		t.Fatal("expected SIGTTOU to be raised")
	}
}

func TestInterruptCharacterRaisesSIGINT(t *testing.T) {
	d := New()
	d.SetForegroundPGID(7)
	jc := newRecordingJobControl()
	d.SetJobControl(jc)

	d.Inject(3) // ^C, the default VINTR
	select {
	case pgid := <-jc.intr:
		if pgid != 7 {
			t.Fatalf("expected SIGINT for pgid 7, got %d", pgid)
		}
	default:
		t.Fatal("expected SIGINT to be raised")
	}
}

func TestEchoMirrorsInputToOutputQueue(t *testing.T) {
	d := New()
	d.SetForegroundPGID(1)
	injectString(d, "hi")
	buf := make([]byte, 8)
	n := d.Drain(buf)
	if string(buf[:n]) != "hi" {
		t.Fatalf("expected echoed \"hi\", got %q", buf[:n])
	}
}

func TestWinsizeRoundTrip(t *testing.T) {
	d := New()
	d.SetWinsize(unix.Winsize{Row: 50, Col: 120})
	w := d.GetWinsize()
	if w.Row != 50 || w.Col != 120 {
		t.Fatalf("got %+v", w)
	}
}
