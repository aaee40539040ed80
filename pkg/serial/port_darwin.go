// Darwin termios plumbing for the board serial link
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build darwin

package serial

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
	ioctlTCFlush    = unix.TIOCFLUSH
	ioctlTCSBrk     = unix.TIOCSBRK
)

// IOSSIOSPEED (_IOW('T', 2, speed_t)) programs rates the termios
// cannot name, such as the boards' 250000.
const ioctlIOSSIOSPEED = 0x80045402

// applyBaud programs the rate into the termios. Rates without a Bnnn
// constant get a placeholder here and the real rate via IOSSIOSPEED
// once the termios has been applied.
func applyBaud(t *unix.Termios, baud int) (int, error) {
	if baud <= 0 {
		return 0, fmt.Errorf("serial: unsupported baud rate %d", baud)
	}
	if speed, ok := standardSpeeds[baud]; ok {
		t.Ispeed = uint64(speed)
		t.Ospeed = uint64(speed)
		return 0, nil
	}
	t.Ispeed = uint64(unix.B9600)
	t.Ospeed = uint64(unix.B9600)
	return baud, nil
}

func setCustomBaud(fd, baud int) error {
	return unix.IoctlSetPointerInt(fd, ioctlIOSSIOSPEED, baud)
}

// devicePatterns lists where serial boards show up on macOS.
var devicePatterns = []string{
	"/dev/tty.usbserial*",
	"/dev/tty.usbmodem*",
	"/dev/cu.usbserial*",
	"/dev/cu.usbmodem*",
}
