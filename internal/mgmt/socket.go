package mgmt

import "context"

// Socket is the minimal transport Channel needs: a message-oriented
// read/write/close surface. The real implementation (socket_linux.go) opens
// an AF_BLUETOOTH/BTPROTO_HCI socket bound to HCI_CHANNEL_CONTROL; tests use
// an in-memory fake.
//
// Per spec.md §4.3, this is not a stream socket: one Write call must map to
// exactly one underlying send(), and a 0-byte, nil-error return from Write
// is a documented kernel quirk meaning success, not "nothing written".
type Socket interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

// Dialer opens a new Socket, honoring ctx for cancellation/timeout.
type Dialer func(ctx context.Context) (Socket, error)
