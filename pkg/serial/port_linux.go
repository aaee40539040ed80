// Linux termios plumbing for the board serial link
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build linux

package serial

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// termios2 ioctls so BOTHER rates land in the ispeed/ospeed fields.
const (
	ioctlGetTermios = unix.TCGETS2
	ioctlSetTermios = unix.TCSETS2
	ioctlTCFlush    = unix.TCFLSH
	ioctlTCSBrk     = unix.TCSBRK
)

// highSpeeds covers the rates above B230400 that Linux still names.
// 250000, the usual board rate, has no Bnnn constant and is handled
// by the BOTHER fallback in applyBaud.
var highSpeeds = map[int]uint32{
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1152000: unix.B1152000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
	2500000: unix.B2500000,
	3000000: unix.B3000000,
	3500000: unix.B3500000,
	4000000: unix.B4000000,
}

// applyBaud programs the rate into the termios. Named rates use their
// Bnnn constant; anything else goes through BOTHER with the literal
// rate in the speed fields.
func applyBaud(t *unix.Termios, baud int) (int, error) {
	if baud <= 0 {
		return 0, fmt.Errorf("serial: unsupported baud rate %d", baud)
	}
	speed, ok := standardSpeeds[baud]
	if !ok {
		speed, ok = highSpeeds[baud]
	}
	t.Cflag &^= unix.CBAUD
	if ok {
		t.Cflag |= speed
		t.Ispeed = speed
		t.Ospeed = speed
		return 0, nil
	}
	t.Cflag |= unix.BOTHER
	t.Ispeed = uint32(baud)
	t.Ospeed = uint32(baud)
	return 0, nil
}

// setCustomBaud is a no-op on Linux; BOTHER handles arbitrary rates.
func setCustomBaud(fd, baud int) error {
	return nil
}

// devicePatterns lists where serial boards show up on Linux.
var devicePatterns = []string{
	"/dev/ttyUSB*",
	"/dev/ttyACM*",
	"/dev/ttyS*",
	"/dev/serial/by-id/*",
}
