// Board wire protocol framing
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package mcu speaks the motion board's line protocol. Each command
// and response is one text line of space-separated fields with a
// trailing CRC-16/CCITT checksum:
//
//	probe x=20.000000 y=200.000000 stow=0 *1A2B
//	ok z=0.512340 *77C1
//
// Responses open with "ok", "error code=... [msg=...]", or "event"
// for asynchronous notifications. Conn is the host-side synchronous
// client and implements the machine collaborator interfaces; Server
// answers the same vocabulary by driving an align.Machine, which is
// how cmd/mock-board exposes a simulated gantry. Both ends work over
// any io.ReadWriter, so a serial port and an in-memory pipe look the
// same.
package mcu

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"zalign/pkg/pool"
)

// MaxLineLen bounds a single wire line including the checksum field.
const MaxLineLen = 1024

// Response kinds.
const (
	respOK    = "ok"
	respError = "error"
	respEvent = "event"
)

// Wire error codes carried in "error code=..." responses.
const (
	CodeBadFrame    = "BAD_FRAME"
	CodeBadChecksum = "BAD_CHECKSUM"
	CodeUnknown     = "UNKNOWN_COMMAND"
	CodeBadArgs     = "BAD_ARGS"
	CodeUnsupported = "UNSUPPORTED"
	CodeShutdown    = "SHUTDOWN"
	CodeProbeFault  = "PROBE_FAULT"
	CodeExecFailed  = "EXEC_FAILED"
)

// Framing errors.
var (
	ErrFrame    = errors.New("mcu: malformed frame")
	ErrChecksum = errors.New("mcu: checksum mismatch")
)

// Checksum returns the CRC-16/CCITT of buf, the same bitwise variant
// the board firmware computes.
func Checksum(buf []byte) uint16 {
	var crc uint16 = 0xffff
	for _, b := range buf {
		data := uint16(b)
		data ^= crc & 0xff
		data ^= (data & 0x0f) << 4
		crc = (crc >> 8) ^ (data << 8) ^ (data << 3) ^ (data >> 4)
	}
	return crc
}

// EncodeFrame frames body for the wire: the checksum field and a
// terminating newline are appended.
func EncodeFrame(body string) []byte {
	return []byte(fmt.Sprintf("%s *%04X\n", body, Checksum([]byte(body))))
}

// WriteFrame encodes body into a pooled buffer and writes the framed
// line in a single Write call.
func WriteFrame(w io.Writer, body string) error {
	b := pool.GetByteBuffer()
	defer pool.PutByteBuffer(b)
	b.WriteString(body)
	fmt.Fprintf(b, " *%04X\n", Checksum(b.Bytes()))
	_, err := w.Write(b.Bytes())
	return err
}

// DecodeFrame verifies the checksum field of a received line (without
// its newline) and returns the body.
func DecodeFrame(line string) (string, error) {
	i := strings.LastIndex(line, " *")
	if i < 0 || len(line)-i != 6 {
		return "", ErrFrame
	}
	want, err := strconv.ParseUint(line[i+2:], 16, 16)
	if err != nil {
		return "", ErrFrame
	}
	body := line[:i]
	if Checksum([]byte(body)) != uint16(want) {
		return "", ErrChecksum
	}
	return body, nil
}

// Fields holds the key=value pairs of a wire line. Values are plain
// tokens; senders substitute '_' for spaces.
type Fields map[string]string

// Str returns the named field.
func (f Fields) Str(key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}

// Float parses the named field as a float64.
func (f Fields) Float(key string) (float64, error) {
	v, ok := f[key]
	if !ok {
		return 0, fmt.Errorf("mcu: missing field %q", key)
	}
	val, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("mcu: field %s=%q: not a number", key, v)
	}
	return val, nil
}

// Int parses the named field as an int.
func (f Fields) Int(key string) (int, error) {
	v, ok := f[key]
	if !ok {
		return 0, fmt.Errorf("mcu: missing field %q", key)
	}
	val, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("mcu: field %s=%q: not an integer", key, v)
	}
	return val, nil
}

// Bool parses the named field; booleans travel as "0" and "1".
func (f Fields) Bool(key string) (bool, error) {
	v, ok := f[key]
	if !ok {
		return false, fmt.Errorf("mcu: missing field %q", key)
	}
	switch v {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("mcu: field %s=%q: want 0 or 1", key, v)
}

// ParseLine splits a decoded frame body into its leading word and
// key=value fields.
func ParseLine(body string) (string, Fields, error) {
	parts := strings.Fields(body)
	if len(parts) == 0 {
		return "", nil, ErrFrame
	}
	fields := make(Fields, len(parts)-1)
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return "", nil, fmt.Errorf("%w: field %q", ErrFrame, p)
		}
		fields[k] = v
	}
	return parts[0], fields, nil
}

// boolField renders a bool for the wire.
func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// sanitizeField makes an arbitrary string safe as a field value.
func sanitizeField(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return '_'
		}
		return r
	}, s)
}
