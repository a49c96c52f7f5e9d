// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package operation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/clipd/internal/media"
)

func videoAsset() *media.Asset {
	return &media.Asset{ID: "a1b2c3d4e5f6", OwnerID: "u1", Kind: media.KindVideo, Ext: "mp4", Width: 1920, Height: 1080}
}

func imageAsset() *media.Asset {
	return &media.Asset{ID: "0a0b0c0d0e0f", OwnerID: "u1", Kind: media.KindImage, Ext: "png", Width: 800, Height: 600}
}

func TestResizeValidation(t *testing.T) {
	p := Params{Kind: KindResize, Resize: &ResizeParams{Width: 800, Height: 600}}
	require.NoError(t, p.Validate(ValidationContext{Asset: videoAsset()}))

	p = Params{Kind: KindResize, Resize: &ResizeParams{Width: 0, Height: 600}}
	require.Error(t, p.Validate(ValidationContext{Asset: videoAsset()}))
}

func TestConvertRejectsSameExtension(t *testing.T) {
	p := Params{Kind: KindConvert, Convert: &ConvertParams{TargetFormat: "mp4"}}
	err := p.Validate(ValidationContext{Asset: videoAsset()})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "targetFormat", verr.Field)
}

func TestConvertDerivesCodecs(t *testing.T) {
	cases := map[string][2]string{
		"webm": {"libvpx-vp9", "libopus"},
		"avi":  {"mpeg4", "libmp3lame"},
		"mkv":  {"libx264", "aac"},
	}
	for target, want := range cases {
		p := Params{Kind: KindConvert, Convert: &ConvertParams{TargetFormat: target}}
		require.NoError(t, p.Validate(ValidationContext{Asset: videoAsset()}))
		require.Equal(t, want[0], p.Convert.VideoCodec, target)
		require.Equal(t, want[1], p.Convert.AudioCodec, target)
	}
}

func TestConvertRejectsUnknownFormat(t *testing.T) {
	p := Params{Kind: KindConvert, Convert: &ConvertParams{TargetFormat: "flv"}}
	require.Error(t, p.Validate(ValidationContext{Asset: videoAsset()}))
}

func TestExtractAudioPreconditions(t *testing.T) {
	p := Params{Kind: KindExtractAudio, ExtractAudio: &ExtractAudioParams{}}
	require.NoError(t, p.Validate(ValidationContext{Asset: videoAsset()}))
	require.Equal(t, "aac", p.ExtractAudio.Format)

	// already extracted
	p = Params{Kind: KindExtractAudio, ExtractAudio: &ExtractAudioParams{}}
	require.Error(t, p.Validate(ValidationContext{Asset: videoAsset(), AudioExtracted: true}))

	// image input
	p = Params{Kind: KindExtractAudio, ExtractAudio: &ExtractAudioParams{}}
	require.Error(t, p.Validate(ValidationContext{Asset: imageAsset()}))
}

func TestCropBoundsAreInclusive(t *testing.T) {
	a := imageAsset() // 800x600

	// x+width == image width succeeds
	p := Params{Kind: KindCrop, Crop: &CropParams{Width: 700, Height: 500, X: 100, Y: 100}}
	require.NoError(t, p.Validate(ValidationContext{Asset: a}))

	// one pixel over fails
	p = Params{Kind: KindCrop, Crop: &CropParams{Width: 701, Height: 500, X: 100, Y: 100}}
	require.Error(t, p.Validate(ValidationContext{Asset: a}))

	// negative origin fails
	p = Params{Kind: KindCrop, Crop: &CropParams{Width: 100, Height: 100, X: -1, Y: 0}}
	require.Error(t, p.Validate(ValidationContext{Asset: a}))

	// videos cannot be cropped
	p = Params{Kind: KindCrop, Crop: &CropParams{Width: 100, Height: 100}}
	require.Error(t, p.Validate(ValidationContext{Asset: videoAsset()}))
}

func TestTrimRequiresEndAfterStart(t *testing.T) {
	p := Params{Kind: KindTrim, Trim: &TrimParams{StartSec: 5, EndSec: 5}}
	require.Error(t, p.Validate(ValidationContext{Asset: videoAsset()}))

	p = Params{Kind: KindTrim, Trim: &TrimParams{StartSec: 5, EndSec: 10}}
	require.NoError(t, p.Validate(ValidationContext{Asset: videoAsset()}))
}

func TestWatermarkOpacityRange(t *testing.T) {
	p := Params{Kind: KindWatermark, Watermark: &WatermarkParams{Text: "demo", Opacity: 1.1}}
	require.Error(t, p.Validate(ValidationContext{Asset: videoAsset()}))

	p = Params{Kind: KindWatermark, Watermark: &WatermarkParams{Text: "demo", Opacity: 0.5}}
	require.NoError(t, p.Validate(ValidationContext{Asset: videoAsset()}))
	require.Equal(t, 24, p.Watermark.FontSize)
	require.Equal(t, "white", p.Watermark.Color)
}

func TestFingerprintStability(t *testing.T) {
	a := Params{Kind: KindResize, Resize: &ResizeParams{Width: 800, Height: 600}}
	b := Params{Kind: KindResize, Resize: &ResizeParams{Width: 800, Height: 600}}
	require.Equal(t, a.Fingerprint("asset1"), b.Fingerprint("asset1"))

	// different params, different identity
	c := Params{Kind: KindResize, Resize: &ResizeParams{Width: 801, Height: 600}}
	require.NotEqual(t, a.Fingerprint("asset1"), c.Fingerprint("asset1"))

	// different asset, different identity
	require.NotEqual(t, a.Fingerprint("asset1"), a.Fingerprint("asset2"))
}
