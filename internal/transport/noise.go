package transport

import "strings"

// noisePatterns are substrings of shell chatter that interleaves with
// command output on an interactive channel: job control warnings from
// shells started without a controlling terminal, terminal ioctl errors,
// and login banners.
var noisePatterns = []string{
	"no job control in this shell",
	"cannot set terminal process group",
	"Inappropriate ioctl for device",
	"stty: standard input",
	"Last login:",
	"mesg: ttyname failed",
}

// isNoise reports whether a line is shell chatter rather than command
// output. Lines that look like encoded payload are never noise, so
// transfer data survives the filter intact.
func isNoise(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if looksLikeBase64(trimmed) {
		return false
	}

	// Bare prompt lines, with or without a trailing space.
	switch trimmed {
	case "$", "#", ">", "%":
		return true
	}

	for _, p := range noisePatterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

// looksLikeBase64 reports whether a line could be a base64 payload
// chunk. The check is deliberately loose: a false positive keeps a
// noise line, a false negative would corrupt a file transfer.
func looksLikeBase64(s string) bool {
	if len(s) < 16 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=':
		default:
			return false
		}
	}
	return true
}
