package wire

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func TestReadWritePacketRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"small", []byte("select 1")},
		{"exactly maxPacketBody - 1", bytes.Repeat([]byte{'a'}, maxPacketBody-1)},
		{"exactly maxPacketBody", bytes.Repeat([]byte{'b'}, maxPacketBody)},
		{"maxPacketBody + 10", bytes.Repeat([]byte{'c'}, maxPacketBody+10)},
		{"2x maxPacketBody exactly", bytes.Repeat([]byte{'d'}, 2*maxPacketBody)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriter(&buf)
			w.SetSeq(5)
			if err := w.WritePacket(5, tc.payload); err != nil {
				t.Fatalf("WritePacket: %v", err)
			}

			r := NewReader(&buf)
			seq, got, err := r.ReadPacket()
			if err != nil {
				t.Fatalf("ReadPacket: %v", err)
			}
			if seq != 5 {
				t.Fatalf("seq = %d, want 5", seq)
			}
			if !bytes.Equal(got, tc.payload) {
				t.Fatalf("payload mismatch: got %d bytes, want %d bytes", len(got), len(tc.payload))
			}
		})
	}
}

func TestReadPacketSequenceGap(t *testing.T) {
	var buf bytes.Buffer
	// First fragment at seq 0, full maxPacketBody; second fragment
	// incorrectly sent at seq 2 instead of 1.
	frag := bytes.Repeat([]byte{'x'}, maxPacketBody)
	hdr1 := []byte{0xff, 0xff, 0xff, 0}
	buf.Write(hdr1)
	buf.Write(frag)
	hdr2 := []byte{0x01, 0x00, 0x00, 2}
	buf.Write(hdr2)
	buf.Write([]byte{0x42})

	r := NewReader(&buf)
	_, _, err := r.ReadPacket()
	if err == nil {
		t.Fatal("expected sequence gap error, got nil")
	}
}

func TestReadPacketUnexpectedEOF(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{10, 0, 0, 0}) // claims 10-byte body
	buf.Write([]byte{1, 2, 3})     // but only 3 bytes follow

	r := NewReader(&buf)
	_, _, err := r.ReadPacket()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestReadPacketCleanEOF(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	_, _, err := r.ReadPacket()
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestPacketOverNetPipe(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w := NewWriter(clientConn)
		if err := w.WritePacket(0, []byte("hello backend")); err != nil {
			t.Errorf("WritePacket: %v", err)
		}
	}()

	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := NewReader(serverConn)
	seq, payload, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if seq != 0 {
		t.Fatalf("seq = %d, want 0", seq)
	}
	if string(payload) != "hello backend" {
		t.Fatalf("payload = %q", payload)
	}
	<-done
}
