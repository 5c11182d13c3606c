// Package sdp rewrites session descriptions as they pass between the two
// legs of a bridged call. A B2BUA presents its own media address/port on
// each side, but the codec negotiation belongs to the endpoints: the format
// list on the m= line is never touched, and everything except the rewritten
// fields is relayed byte for byte.
package sdp

import (
	"strconv"
	"strings"
)

// mapLines applies fn to each SDP line, preserving the original line
// terminators (CRLF or bare LF) so an unmodified description round-trips
// byte-identical. fn returns the replacement line and whether to keep it.
func mapLines(desc string, fn func(line string) (string, bool)) string {
	var b strings.Builder
	b.Grow(len(desc))
	for start := 0; start < len(desc); {
		rest := desc[start:]
		line := rest
		term := ""
		if i := strings.IndexByte(rest, '\n'); i >= 0 {
			line = rest[:i]
			term = "\n"
			start += i + 1
		} else {
			start = len(desc)
		}
		if strings.HasSuffix(line, "\r") {
			line = line[:len(line)-1]
			term = "\r" + term
		}
		if out, keep := fn(line); keep {
			b.WriteString(out)
			b.WriteString(term)
		}
	}
	return b.String()
}

// ReplaceConnectionAddress rewrites the address on every c= line.
// Format per RFC 4566: c=<nettype> <addrtype> <connection-address>
func ReplaceConnectionAddress(desc, addr string) string {
	return mapLines(desc, func(line string) (string, bool) {
		if !strings.HasPrefix(line, "c=") {
			return line, true
		}
		fields := strings.Fields(line[2:])
		if len(fields) != 3 {
			return line, true
		}
		return "c=" + fields[0] + " " + fields[1] + " " + addr, true
	})
}

// ReplaceOriginAddress rewrites the unicast address on the o= line.
// Format: o=<username> <sess-id> <sess-version> <nettype> <addrtype> <addr>
func ReplaceOriginAddress(desc, addr string) string {
	return mapLines(desc, func(line string) (string, bool) {
		if !strings.HasPrefix(line, "o=") {
			return line, true
		}
		fields := strings.Fields(line[2:])
		if len(fields) != 6 {
			return line, true
		}
		fields[5] = addr
		return "o=" + strings.Join(fields, " "), true
	})
}

// ReplaceMediaPort rewrites the port on the m= line whose media type
// matches mediaType (e.g. "audio"). The format list after the port is
// preserved verbatim.
func ReplaceMediaPort(desc, mediaType string, port int) string {
	prefix := "m=" + mediaType + " "
	return mapLines(desc, func(line string) (string, bool) {
		if !strings.HasPrefix(line, prefix) {
			return line, true
		}
		rest := line[len(prefix):]
		i := strings.IndexByte(rest, ' ')
		if i < 0 {
			return line, true
		}
		return prefix + strconv.Itoa(port) + rest[i:], true
	})
}

// ReplaceRTCPPort rewrites the port on any a=rtcp: line and, when the
// attribute carries an explicit address, points it at addr as well.
// Format per RFC 3605: a=rtcp:<port> [<nettype> <addrtype> <addr>]
func ReplaceRTCPPort(desc string, port int, addr string) string {
	return mapLines(desc, func(line string) (string, bool) {
		if !strings.HasPrefix(line, "a=rtcp:") {
			return line, true
		}
		fields := strings.Fields(line[len("a=rtcp:"):])
		if len(fields) == 0 {
			return line, true
		}
		fields[0] = strconv.Itoa(port)
		if len(fields) == 4 && addr != "" {
			fields[3] = addr
		}
		return "a=rtcp:" + strings.Join(fields, " "), true
	})
}

// StripVendorAttributes drops vendor-private a=X-/a=x- attribute lines.
// A B2BUA must not leak one side's proprietary signaling into the other
// side's dialog.
func StripVendorAttributes(desc string) string {
	return mapLines(desc, func(line string) (string, bool) {
		if strings.HasPrefix(line, "a=X-") || strings.HasPrefix(line, "a=x-") {
			return "", false
		}
		return line, true
	})
}

// RewriteForRelay rewrites desc so the far side sees the bridge as the
// media endpoint: connection and origin addresses become addr, the audio
// port becomes audioPort, the RTCP port becomes audioPort+1, and vendor
// attributes are stripped. Codec lists pass through unchanged.
func RewriteForRelay(desc, addr string, audioPort int) string {
	out := ReplaceConnectionAddress(desc, addr)
	out = ReplaceOriginAddress(out, addr)
	out = ReplaceMediaPort(out, "audio", audioPort)
	out = ReplaceRTCPPort(out, audioPort+1, addr)
	return StripVendorAttributes(out)
}

// OriginIDs returns the sess-id and sess-version fields from the o= line.
// Used when synthesizing an answer that must echo the offer's origin
// identity. ok is false when no well-formed o= line is present.
func OriginIDs(desc string) (sessID, sessVersion string, ok bool) {
	mapLines(desc, func(line string) (string, bool) {
		if ok || !strings.HasPrefix(line, "o=") {
			return line, true
		}
		fields := strings.Fields(line[2:])
		if len(fields) == 6 {
			sessID, sessVersion = fields[1], fields[2]
			ok = true
		}
		return line, true
	})
	return sessID, sessVersion, ok
}
