// Package voice fans narration text out to the speech engine and models the
// audio artifacts it writes under the pack directory.
package voice

import (
	"encoding/binary"
	"regexp"

	"github.com/tourkit/navpack/plan"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_\-.]`)

// Sanitize replaces filename-hostile characters with underscores.
func Sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// Filename returns the stable audio filename for a (spot, variant) pair:
// {spot_id}.{lang}.{ext} for the base variant, {spot_id}_{variant}.{lang}.{ext}
// otherwise. Clients cache against these names, so the rule must not drift.
func Filename(spotID string, variant plan.Variant, lang string, format plan.AudioFormat) string {
	return Stem(spotID, variant) + "." + lang + "." + string(format)
}

// Stem is the filename without language and extension; the text sidecar
// shares it.
func Stem(spotID string, variant plan.Variant) string {
	stem := Sanitize(spotID)
	if variant != plan.VariantBase && variant != "" {
		stem += "_" + Sanitize(string(variant))
	}
	return stem
}

// TextFilename returns the sidecar filename holding the narration text.
func TextFilename(spotID string, variant plan.Variant, lang string) string {
	return Stem(spotID, variant) + "." + lang + ".txt"
}

// WAVDuration parses the duration in seconds from a RIFF/WAVE header,
// assuming the canonical 44-byte layout. Returns 0 for anything it cannot
// parse.
func WAVDuration(data []byte) float64 {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return 0
	}
	channels := binary.LittleEndian.Uint16(data[22:24])
	sampleRate := binary.LittleEndian.Uint32(data[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(data[34:36])
	dataSize := binary.LittleEndian.Uint32(data[40:44])

	bytesPerSec := uint64(sampleRate) * uint64(channels) * uint64(bitsPerSample/8)
	if bytesPerSec == 0 {
		return 0
	}
	return float64(dataSize) / float64(bytesPerSec)
}

// EstimateMP3Duration estimates an MP3 duration in seconds from its size,
// assuming constant bitrate. Used when no probe ran on the engine side.
func EstimateMP3Duration(sizeBytes int64, bitrateKbps int) float64 {
	if sizeBytes <= 0 || bitrateKbps <= 0 {
		return 0
	}
	return float64(sizeBytes) * 8 / (float64(bitrateKbps) * 1000)
}
