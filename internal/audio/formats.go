package audio

import (
	"bufio"
	"strings"
)

// encoding maps a recorder MIME type onto ffmpeg output options.
type encoding struct {
	muxer   string
	encoder string
	extra   []string
}

var encodings = map[string]encoding{
	"audio/webm;codecs=opus": {muxer: "webm", encoder: "libopus"},
	"audio/webm":             {muxer: "webm"},
	"audio/ogg;codecs=opus":  {muxer: "ogg", encoder: "libopus"},
	// a plain mp4 needs a seekable output for its moov atom
	"audio/mp4": {muxer: "mp4", encoder: "aac", extra: []string{"-movflags", "frag_keyframe+empty_moov+default_base_moof"}},
}

func lookupEncoding(mimeType string) (encoding, bool) {
	enc, ok := encodings[strings.ToLower(strings.ReplaceAll(mimeType, " ", ""))]
	return enc, ok
}

// parseMuxers reads `ffmpeg -muxers` output into the set of muxer names.
func parseMuxers(output string) map[string]bool {
	names := map[string]bool{}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || !isMuxerFlags(fields[0]) {
			continue
		}
		for _, name := range strings.Split(fields[1], ",") {
			names[name] = true
		}
	}
	return names
}

func isMuxerFlags(flags string) bool {
	if !strings.Contains(flags, "E") {
		return false
	}
	for _, r := range flags {
		switch r {
		case 'D', 'E', 'd':
		default:
			return false
		}
	}
	return true
}

// parseEncoders reads `ffmpeg -encoders` output into the set of audio encoders.
func parseEncoders(output string) map[string]bool {
	names := map[string]bool{}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || len(fields[0]) != 6 || fields[0][0] != 'A' {
			continue
		}
		names[fields[1]] = true
	}
	return names
}
