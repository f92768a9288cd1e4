// Package dsc federates a DSC PowerSeries alarm panel, reachable through an
// Envisalink-style TCP integration module, into the House tree (spec.md
// §4.8): a panel session maintaining zone/partition caches, device types for
// zones and partitions, and an optional reflector exposing the same wire
// protocol to chained clients.
package dsc

import (
	"fmt"
	"strconv"
	"strings"
)

// Encode builds one DSC command frame (without the CRLF terminator, which
// linesession adds at send time): a 3-digit zero-padded command number,
// followed by data verbatim, followed by a 2-hex-digit checksum computed as
// the sum of the ASCII byte values of everything before it, modulo 256,
// upper-case, leading zero not stripped (spec.md §6/§8).
func Encode(command int, data string) string {
	body := fmt.Sprintf("%03d%s", command, data)
	return body + checksum(body)
}

func checksum(body string) string {
	sum := 0
	for _, b := range []byte(body) {
		sum += int(b)
	}
	return fmt.Sprintf("%02X", sum%256)
}

// Decode splits a received frame into its command number and data, verifying
// the trailing checksum against a recomputed one. ok is false if the frame
// is too short to contain a command number and checksum, or the checksum
// does not match — callers must discard such frames with a warning rather
// than acting on them (spec.md §7 ProtocolParse).
func Decode(line string) (command int, data string, ok bool) {
	if len(line) < 5 {
		return 0, "", false
	}
	body := line[:len(line)-2]
	given := strings.ToUpper(line[len(line)-2:])
	if given != checksum(body) {
		return 0, "", false
	}
	n, err := strconv.Atoi(body[:3])
	if err != nil {
		return 0, "", false
	}
	return n, body[3:], true
}
