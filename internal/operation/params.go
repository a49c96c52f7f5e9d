// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package operation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ManuGH/clipd/internal/media"
)

// Params is the tagged parameter record for an operation. Exactly one
// variant matching Kind is set. Every field a worker needs to rerun the
// job is persisted here, including derived codec selections, so queue
// restoration never has to consult transient state.
type Params struct {
	Kind Kind `json:"kind"`

	Resize       *ResizeParams       `json:"resize,omitempty"`
	Convert      *ConvertParams      `json:"convert,omitempty"`
	ExtractAudio *ExtractAudioParams `json:"extractAudio,omitempty"`
	Crop         *CropParams         `json:"crop,omitempty"`
	Trim         *TrimParams         `json:"trim,omitempty"`
	Watermark    *WatermarkParams    `json:"watermark,omitempty"`
	Gif          *GifParams          `json:"gif,omitempty"`
}

// ResizeParams scales video or image to WxH.
type ResizeParams struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ConvertParams changes the container format. VideoCodec and AudioCodec
// are derived from the target format at validation time and persisted.
type ConvertParams struct {
	TargetFormat string `json:"targetFormat"`
	VideoCodec   string `json:"videoCodec,omitempty"`
	AudioCodec   string `json:"audioCodec,omitempty"`
}

// ExtractAudioParams copies the audio stream out of a video.
type ExtractAudioParams struct {
	Format string `json:"format"`
}

// CropParams cuts a WxH window at (X, Y) out of an image.
type CropParams struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	X      int `json:"x"`
	Y      int `json:"y"`
}

// TrimParams cuts a [start, end) segment out of a video.
type TrimParams struct {
	StartSec float64 `json:"startSec"`
	EndSec   float64 `json:"endSec"`
}

// WatermarkParams overlays text on a video.
type WatermarkParams struct {
	Text     string  `json:"text"`
	X        int     `json:"x"`
	Y        int     `json:"y"`
	FontSize int     `json:"fontSize"`
	Color    string  `json:"color"`
	Opacity  float64 `json:"opacity"`
}

// GifParams renders a palette-based GIF excerpt of a video.
type GifParams struct {
	FPS         int     `json:"fps"`
	Width       int     `json:"width"`
	StartSec    float64 `json:"startSec"`
	DurationSec float64 `json:"durationSec"`
}

// convertCodecs maps target container formats to their codec pair.
var convertCodecs = map[string][2]string{
	"mp4":  {"libx264", "aac"},
	"mov":  {"libx264", "aac"},
	"mkv":  {"libx264", "aac"},
	"avi":  {"mpeg4", "libmp3lame"},
	"webm": {"libvpx-vp9", "libopus"},
}

// ConvertFormats lists allowed convert targets.
func ConvertFormats() []string {
	return []string{"avi", "mkv", "mov", "mp4", "webm"}
}

// ValidationContext carries the asset state parameters are checked against.
type ValidationContext struct {
	Asset *media.Asset
	// AudioExtracted is true when the asset already has an extracted
	// audio file on disk.
	AudioExtracted bool
}

// ValidationError is surfaced to the caller without state change.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid parameters: " + e.Msg
	}
	return fmt.Sprintf("invalid parameters: %s: %s", e.Field, e.Msg)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// Validate checks structural and semantic preconditions against the asset.
// Convert parameters get their codec pair filled in as a side effect.
func (p *Params) Validate(vc ValidationContext) error {
	if !p.Kind.Valid() {
		return invalid("kind", fmt.Sprintf("unsupported kind %q", p.Kind))
	}
	a := vc.Asset
	if a == nil {
		return invalid("asset", "missing asset")
	}

	switch p.Kind {
	case KindResize:
		r := p.Resize
		if r == nil {
			return invalid("resize", "missing record")
		}
		if r.Width <= 0 || r.Height <= 0 {
			return invalid("resize", "width and height must be > 0")
		}

	case KindConvert:
		c := p.Convert
		if c == nil {
			return invalid("convert", "missing record")
		}
		c.TargetFormat = strings.ToLower(strings.TrimPrefix(c.TargetFormat, "."))
		codecs, ok := convertCodecs[c.TargetFormat]
		if !ok {
			return invalid("targetFormat", fmt.Sprintf("unsupported format %q", c.TargetFormat))
		}
		if c.TargetFormat == strings.ToLower(a.Ext) {
			return invalid("targetFormat", "target equals current extension")
		}
		c.VideoCodec, c.AudioCodec = codecs[0], codecs[1]

	case KindExtractAudio:
		e := p.ExtractAudio
		if e == nil {
			return invalid("extractAudio", "missing record")
		}
		if a.Kind != media.KindVideo {
			return invalid("asset", "extract_audio requires a video")
		}
		if vc.AudioExtracted {
			return invalid("extractAudio", "audio already extracted")
		}
		if e.Format == "" {
			e.Format = "aac"
		}

	case KindCrop:
		c := p.Crop
		if c == nil {
			return invalid("crop", "missing record")
		}
		if a.Kind != media.KindImage {
			return invalid("asset", "crop requires an image")
		}
		if c.Width <= 0 || c.Height <= 0 {
			return invalid("crop", "width and height must be > 0")
		}
		if c.X < 0 || c.Y < 0 {
			return invalid("crop", "x and y must be >= 0")
		}
		if c.X+c.Width > a.Width {
			return invalid("crop", fmt.Sprintf("x+width %d exceeds image width %d", c.X+c.Width, a.Width))
		}
		if c.Y+c.Height > a.Height {
			return invalid("crop", fmt.Sprintf("y+height %d exceeds image height %d", c.Y+c.Height, a.Height))
		}

	case KindTrim:
		tr := p.Trim
		if tr == nil {
			return invalid("trim", "missing record")
		}
		if a.Kind != media.KindVideo {
			return invalid("asset", "trim requires a video")
		}
		if tr.StartSec < 0 {
			return invalid("startSec", "must be >= 0")
		}
		if tr.EndSec <= tr.StartSec {
			return invalid("endSec", "must be > startSec")
		}

	case KindWatermark:
		w := p.Watermark
		if w == nil {
			return invalid("watermark", "missing record")
		}
		if a.Kind != media.KindVideo {
			return invalid("asset", "watermark requires a video")
		}
		if strings.TrimSpace(w.Text) == "" {
			return invalid("text", "must not be empty")
		}
		if w.FontSize <= 0 {
			w.FontSize = 24
		}
		if w.Color == "" {
			w.Color = "white"
		}
		if w.Opacity < 0 || w.Opacity > 1 {
			return invalid("opacity", "must be within [0,1]")
		}

	case KindGif:
		g := p.Gif
		if g == nil {
			return invalid("gif", "missing record")
		}
		if a.Kind != media.KindVideo {
			return invalid("asset", "gif requires a video")
		}
		if g.FPS <= 0 {
			g.FPS = 10
		}
		if g.Width <= 0 {
			g.Width = 480
		}
		if g.StartSec < 0 {
			return invalid("startSec", "must be >= 0")
		}
		if g.DurationSec <= 0 {
			return invalid("durationSec", "must be > 0")
		}
	}

	return nil
}

// Fingerprint derives the dedup identity for (assetID, kind, params).
// Canonical JSON of the single active variant keeps it stable across
// field ordering and absent optional records.
func (p Params) Fingerprint(assetID string) string {
	canonical := struct {
		AssetID string `json:"assetId"`
		Kind    Kind   `json:"kind"`
		Params  any    `json:"params"`
	}{AssetID: assetID, Kind: p.Kind, Params: p.active()}

	raw, _ := json.Marshal(canonical)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (p Params) active() any {
	switch p.Kind {
	case KindResize:
		return p.Resize
	case KindConvert:
		return p.Convert
	case KindExtractAudio:
		return p.ExtractAudio
	case KindCrop:
		return p.Crop
	case KindTrim:
		return p.Trim
	case KindWatermark:
		return p.Watermark
	case KindGif:
		return p.Gif
	}
	return nil
}
