// Package sdnotify speaks the sd_notify protocol over the NOTIFY_SOCKET
// datagram socket, without cgo or libsystemd.
package sdnotify

import (
	"net"
	"os"
)

// Ready reports startup complete.
func Ready() error { return send("READY=1") }

// Watchdog pets the systemd watchdog.
func Watchdog() error { return send("WATCHDOG=1") }

// Stopping announces a graceful shutdown is underway.
func Stopping() error { return send("STOPPING=1") }

// Status updates the free-form status line shown by systemctl.
func Status(msg string) error { return send("STATUS=" + msg) }

// send writes one state message. Outside systemd NOTIFY_SOCKET is
// unset and every notification is a no-op.
func send(msg string) error {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return nil
	}
	conn, err := net.Dial("unixgram", socket)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte(msg))
	return err
}
