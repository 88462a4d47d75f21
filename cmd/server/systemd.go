package main

import (
	"net"
	"os"

	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "systemd notify failed: dial")
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return xerrors.Wrap(err, "systemd notify failed: write")
	}
	if err := conn.Close(); err != nil {
		return xerrors.Wrap(err, "systemd notify failed: close")
	}
	return nil
}
