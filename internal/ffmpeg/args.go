// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/ManuGH/clipd/internal/operation"
)

// Plan is the ordered list of tool invocations for one job. Most kinds are
// a single invocation; gif is two passes (palette generation, then render).
type Plan struct {
	Steps [][]string
	// Scratch files created between steps, removed after the run.
	Scratch []string
}

// BuildPlan maps validated operation parameters onto command lines.
// Arguments are passed to the subprocess directly, never through a shell.
func BuildPlan(params operation.Params, input, output string) (Plan, error) {
	switch params.Kind {
	case operation.KindResize:
		r := params.Resize
		if r == nil {
			return Plan{}, fmt.Errorf("resize: missing parameters")
		}
		return single(
			"-y", "-i", input,
			"-vf", fmt.Sprintf("scale=%d:%d", r.Width, r.Height),
			"-c:a", "copy",
			output,
		), nil

	case operation.KindConvert:
		c := params.Convert
		if c == nil || c.VideoCodec == "" || c.AudioCodec == "" {
			return Plan{}, fmt.Errorf("convert: missing derived codecs")
		}
		return single(
			"-y", "-i", input,
			"-c:v", c.VideoCodec,
			"-c:a", c.AudioCodec,
			output,
		), nil

	case operation.KindExtractAudio:
		return single(
			"-y", "-i", input,
			"-vn", "-acodec", "copy",
			output,
		), nil

	case operation.KindCrop:
		c := params.Crop
		if c == nil {
			return Plan{}, fmt.Errorf("crop: missing parameters")
		}
		return single(
			"-y", "-i", input,
			"-vf", fmt.Sprintf("crop=%d:%d:%d:%d", c.Width, c.Height, c.X, c.Y),
			output,
		), nil

	case operation.KindTrim:
		tr := params.Trim
		if tr == nil {
			return Plan{}, fmt.Errorf("trim: missing parameters")
		}
		return single(
			"-y",
			"-ss", formatSeconds(tr.StartSec),
			"-i", input,
			"-t", formatSeconds(tr.EndSec-tr.StartSec),
			"-c", "copy",
			output,
		), nil

	case operation.KindWatermark:
		w := params.Watermark
		if w == nil {
			return Plan{}, fmt.Errorf("watermark: missing parameters")
		}
		drawtext := fmt.Sprintf(
			"drawtext=text='%s':x=%d:y=%d:fontsize=%d:fontcolor=%s@%s",
			EscapeDrawtext(w.Text), w.X, w.Y, w.FontSize, w.Color, formatSeconds(w.Opacity),
		)
		return single(
			"-y", "-i", input,
			"-vf", drawtext,
			"-c:a", "copy",
			output,
		), nil

	case operation.KindGif:
		g := params.Gif
		if g == nil {
			return Plan{}, fmt.Errorf("gif: missing parameters")
		}
		palette := output + ".palette.png"
		filter := fmt.Sprintf("fps=%d,scale=%d:-1:flags=lanczos", g.FPS, g.Width)
		gen := []string{
			"-y",
			"-ss", formatSeconds(g.StartSec),
			"-t", formatSeconds(g.DurationSec),
			"-i", input,
			"-vf", filter + ",palettegen",
			palette,
		}
		render := []string{
			"-y",
			"-ss", formatSeconds(g.StartSec),
			"-t", formatSeconds(g.DurationSec),
			"-i", input,
			"-i", palette,
			"-filter_complex", filter + "[x];[x][1:v]paletteuse",
			output,
		}
		return Plan{Steps: [][]string{gen, render}, Scratch: []string{palette}}, nil
	}

	return Plan{}, fmt.Errorf("no command plan for kind %q", params.Kind)
}

// ThumbnailArgs grabs a single JPEG frame five seconds in.
func ThumbnailArgs(input, output string) []string {
	return []string{
		"-y",
		"-ss", "5",
		"-i", input,
		"-frames:v", "1",
		"-q:v", "2",
		output,
	}
}

// ProbeDimensionsArgs reads WxH of the first video stream (ffprobe).
func ProbeDimensionsArgs(input string) []string {
	return []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0",
		input,
	}
}

// EscapeDrawtext neutralizes filtergraph metacharacters in user text so the
// string cannot terminate the quoted text option or smuggle extra options.
func EscapeDrawtext(text string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`:`, `\:`,
		`%`, `\%`,
		`,`, `\,`,
		`;`, `\;`,
		`[`, `\[`,
		`]`, `\]`,
	)
	return replacer.Replace(text)
}

func single(args ...string) Plan {
	return Plan{Steps: [][]string{args}}
}

// formatSeconds renders a float without trailing noise ("5", "1.5").
func formatSeconds(v float64) string {
	s := fmt.Sprintf("%g", v)
	return s
}
