// Package tundev opens and configures a Linux TUN device, presenting it
// as the packet-granular, blocking read/write interface of raw IP
// frames pkg/demux's event loop depends on.
package tundev

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	tunDevicePath = "/dev/net/tun"
	ifNameSize    = 16
)

// Device is the interface pkg/demux consumes: packet-granular,
// blocking I/O of raw IPv4/IPv6 frames, no link-layer header. Writes
// never partially succeed. The real implementation is Open; tests use
// the in-memory Fake in fake.go.
type Device interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Name() string
	MTU() int
}

type tunDevice struct {
	file *os.File
	name string
	mtu  int
}

// ifReq mirrors struct ifreq's TUNSETIFF-relevant prefix: a 16-byte
// interface name followed by the flags field TUNSETIFF reads.
type ifReq struct {
	name  [ifNameSize]byte
	flags uint16
	_     [22]byte
}

// Open creates (or attaches to) the named TUN interface in
// IFF_TUN|IFF_NO_PI mode and returns it as a blocking Device whose MTU
// method reports mtu. The interface's own MTU is not changed.
func Open(name string, mtu int) (Device, error) {
	fd, err := unix.Open(tunDevicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tundev: open %s: %w", tunDevicePath, err)
	}

	var req ifReq
	copy(req.name[:], name)
	req.flags = unix.IFF_TUN | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("tundev: TUNSETIFF %s: %w", name, errno)
	}

	return &tunDevice{file: os.NewFile(uintptr(fd), name), name: name, mtu: mtu}, nil
}

func (d *tunDevice) Read(p []byte) (int, error)  { return d.file.Read(p) }
func (d *tunDevice) Write(p []byte) (int, error) { return d.file.Write(p) }
func (d *tunDevice) Close() error                { return d.file.Close() }
func (d *tunDevice) Name() string                { return d.name }
func (d *tunDevice) MTU() int                    { return d.mtu }
