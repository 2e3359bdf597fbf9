package protocol

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

func pipePair() (*Conn, *Conn) {
	a, b := net.Pipe()
	return NewConn(a), NewConn(b)
}

func TestFramesArriveInSendOrder(t *testing.T) {
	client, server := pipePair()
	defer client.Close()
	defer server.Close()

	frames := [][]byte{{1}, {2, 2}, {3, 3, 3}, nil}
	go func() {
		for i, data := range frames {
			client.Send(uint32(i), data)
		}
	}()

	for i, want := range frames {
		op, data, err := server.Receive()
		if err != nil {
			t.Fatalf("Receive %d: %s", i, err)
		}
		if op != uint32(i) {
			t.Errorf("frame %d has op %d", i, op)
		}
		if !bytes.Equal(data, append([]byte{}, want...)) {
			t.Errorf("frame %d data = % x, want % x", i, data, want)
		}
	}
}

func TestFrameLayout(t *testing.T) {
	a, b := net.Pipe()
	conn := NewConn(a)
	defer conn.Close()
	defer b.Close()

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 8+3)
		total := 0
		for total < len(buf) {
			n, err := b.Read(buf[total:])
			if err != nil {
				got <- nil
				return
			}
			total += n
		}
		got <- buf
	}()

	if err := conn.Send(uint32(ServerPatchHook), []byte{0xaa, 0xbb, 0xcc}); err != nil {
		t.Fatalf("Send: %s", err)
	}
	buf := <-got
	want := []byte{
		0x07, 0x00, 0x00, 0x00, // op 7 (PATCH_HOOK), little-endian
		0x03, 0x00, 0x00, 0x00, // size 3
		0xaa, 0xbb, 0xcc,
	}
	if !bytes.Equal(buf, want) {
		t.Errorf("frame layout = % x, want % x", buf, want)
	}
}

func TestOversizeFrameRejected(t *testing.T) {
	a, b := net.Pipe()
	conn := NewConn(a)
	defer conn.Close()
	defer b.Close()

	go b.Write([]byte{0, 0, 0, 0, 0xff, 0xff, 0xff, 0x7f})
	_, _, err := conn.Receive()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Receive = %v, want ErrFrameTooLarge", err)
	}
}

func TestTruncatedFrameFails(t *testing.T) {
	a, b := net.Pipe()
	conn := NewConn(a)
	defer conn.Close()

	go func() {
		b.Write([]byte{1, 0, 0, 0, 8, 0, 0, 0, 0xaa}) // promises 8 bytes, sends 1
		b.Close()
	}()
	_, _, err := conn.Receive()
	if err == nil {
		t.Error("truncated frame should fail the read")
	}
}

func TestRawAndBlobHandshakePieces(t *testing.T) {
	client, server := pipePair()
	defer client.Close()
	defer server.Close()

	go func() {
		client.SendRaw(uint32(ClientConnect))
		client.SendBlob([]byte("libmempatch-core.so"))
	}()

	op, err := server.ReceiveRaw()
	if err != nil || op != uint32(ClientConnect) {
		t.Fatalf("ReceiveRaw = %d, %v", op, err)
	}
	blob, err := server.ReceiveBlob()
	if err != nil || string(blob) != "libmempatch-core.so" {
		t.Fatalf("ReceiveBlob = %q, %v", blob, err)
	}
}

func TestCustomPacketRoundTrip(t *testing.T) {
	payload := EncodeCustom(77, []byte{1, 2, 3})
	innerOp, data, err := DecodeCustom(payload)
	if err != nil {
		t.Fatalf("DecodeCustom: %s", err)
	}
	if innerOp != 77 || !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Errorf("DecodeCustom = %d, % x", innerOp, data)
	}
}

func TestDispatcherComposition(t *testing.T) {
	d := NewDispatcher()

	var calls []string
	subA := d.Add(1, func(data []byte) { calls = append(calls, "a") })
	d.Add(1, func(data []byte) { calls = append(calls, "b") })
	d.Add(2, func(data []byte) { calls = append(calls, "other") })

	d.Dispatch(1, nil)
	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Errorf("calls = %v, want both op-1 handlers in order", calls)
	}

	if err := d.Remove(subA); err != nil {
		t.Fatalf("Remove: %s", err)
	}
	calls = nil
	d.Dispatch(1, nil)
	if len(calls) != 1 || calls[0] != "b" {
		t.Errorf("calls after removal = %v", calls)
	}

	if err := d.Remove(subA); !errors.Is(err, ErrNoSuchHandler) {
		t.Errorf("double Remove = %v, want ErrNoSuchHandler", err)
	}
}

func TestSameHandlerTwiceRunsTwice(t *testing.T) {
	d := NewDispatcher()
	count := 0
	fn := func(data []byte) { count++ }
	sub1 := d.Add(1, fn)
	d.Add(1, fn)

	d.Dispatch(1, nil)
	if count != 2 {
		t.Errorf("handler ran %d times, want 2 (refcounted registration)", count)
	}

	d.Remove(sub1)
	count = 0
	d.Dispatch(1, nil)
	if count != 1 {
		t.Errorf("handler ran %d times after one removal, want 1", count)
	}
}

func TestPanickingHandlerIsContained(t *testing.T) {
	d := NewDispatcher()
	caught := make(chan error, 1)
	d.OnError = func(err error) { caught <- err }

	d.Add(1, func(data []byte) { panic("boom") })
	ran := false
	d.Add(1, func(data []byte) { ran = true })

	d.Dispatch(1, nil)
	select {
	case <-caught:
	case <-time.After(time.Second):
		t.Error("panic was not reported")
	}
	if !ran {
		t.Error("a panicking handler must not starve later handlers")
	}
}
