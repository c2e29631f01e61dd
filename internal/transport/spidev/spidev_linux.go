//go:build linux

package spidev

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request codes from linux/spi/spidev.h.
const (
	spiIOCWrMode        = 0x40016b01
	spiIOCWrBitsPerWord = 0x40016b03
	spiIOCWrMaxSpeedHz  = 0x40046b04
	spiIOCMessage1      = 0x40206b00
)

// spiIOCTransfer mirrors struct spi_ioc_transfer.
type spiIOCTransfer struct {
	txBuf          uint64
	rxBuf          uint64
	length         uint32
	speedHz        uint32
	delayUsecs     uint16
	bitsPerWord    uint8
	csChange       uint8
	txNbits        uint8
	rxNbits        uint8
	wordDelayUsecs uint8
	pad            uint8
}

type Device struct {
	mu   sync.Mutex
	fd   int
	cfg  Config
	zero []byte
	sink []byte
}

// Open configures the spidev node at cfg.Path.
func Open(cfg Config) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fd, err := unix.Open(cfg.Path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("spidev: open %s: %w", cfg.Path, err)
	}
	d := &Device{
		fd:   fd,
		cfg:  cfg,
		zero: make([]byte, cfg.FrameSize),
		sink: make([]byte, cfg.FrameSize),
	}
	mode := cfg.Mode
	bits := cfg.BitsPerWord
	speed := cfg.SpeedHz
	steps := []struct {
		name string
		req  uintptr
		arg  unsafe.Pointer
	}{
		{"mode", spiIOCWrMode, unsafe.Pointer(&mode)},
		{"bits per word", spiIOCWrBitsPerWord, unsafe.Pointer(&bits)},
		{"max speed", spiIOCWrMaxSpeedHz, unsafe.Pointer(&speed)},
	}
	for _, s := range steps {
		if err := ioctl(fd, s.req, s.arg); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("spidev: set %s: %w", s.name, err)
		}
	}
	return d, nil
}

// Send clocks frame out; whatever the device shifts back is discarded.
func (d *Device) Send(frame []byte) error {
	return d.transfer(frame, d.sink)
}

// Receive clocks zeros out and fills frame with the device's reply.
func (d *Device) Receive(frame []byte) error {
	return d.transfer(d.zero, frame)
}

func (d *Device) transfer(tx, rx []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return ErrClosed
	}
	if len(tx) != d.cfg.FrameSize || len(rx) != d.cfg.FrameSize {
		return fmt.Errorf("spidev: transfer of %d/%d bytes, frame size %d", len(tx), len(rx), d.cfg.FrameSize)
	}
	xfer := spiIOCTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length:      uint32(len(tx)),
		speedHz:     d.cfg.SpeedHz,
		bitsPerWord: d.cfg.BitsPerWord,
	}
	err := ioctl(d.fd, spiIOCMessage1, unsafe.Pointer(&xfer))
	runtime.KeepAlive(tx)
	runtime.KeepAlive(rx)
	if err != nil {
		return fmt.Errorf("spidev: transfer: %w", err)
	}
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
