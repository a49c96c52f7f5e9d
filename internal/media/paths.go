// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package media

import (
	"fmt"
	"path/filepath"
)

// Paths implements the storage layout contract shared by workers and the
// asset reader. Every output path is deterministic so rerunning an
// interrupted job overwrites instead of duplicating.
type Paths struct {
	Root string
}

func (p Paths) assetDir(assetID string) string {
	return filepath.Join(p.Root, assetID)
}

// Original is the uploaded source file.
func (p Paths) Original(assetID, ext string) string {
	return filepath.Join(p.assetDir(assetID), "original."+ext)
}

// Thumbnail is the single-frame JPEG preview.
func (p Paths) Thumbnail(assetID string) string {
	return filepath.Join(p.assetDir(assetID), "thumbnail.jpg")
}

// Resize is the scaled output for a WxH resize.
func (p Paths) Resize(assetID string, width, height int, ext string) string {
	return filepath.Join(p.assetDir(assetID), fmt.Sprintf("%dx%d.%s", width, height, ext))
}

// Convert is the container/codec conversion output.
func (p Paths) Convert(assetID, targetExt string) string {
	return filepath.Join(p.assetDir(assetID), "converted."+targetExt)
}

// Audio is the extracted audio stream.
func (p Paths) Audio(assetID string) string {
	return filepath.Join(p.assetDir(assetID), "audio.aac")
}

// Trim is the cut segment output.
func (p Paths) Trim(assetID string, startSec, endSec float64, ext string) string {
	return filepath.Join(p.assetDir(assetID), fmt.Sprintf("trimmed_%g-%g.%s", startSec, endSec, ext))
}

// Crop is the cropped image output. Geometry is part of the name so
// different crops of one asset never collide.
func (p Paths) Crop(assetID string, width, height, x, y int, ext string) string {
	return filepath.Join(p.assetDir(assetID), fmt.Sprintf("cropped_%dx%d+%d+%d.%s", width, height, x, y, ext))
}

// Watermark is the drawtext overlay output.
func (p Paths) Watermark(assetID, ext string) string {
	return filepath.Join(p.assetDir(assetID), "watermarked."+ext)
}

// Gif is the palette-based GIF output.
func (p Paths) Gif(assetID string) string {
	return filepath.Join(p.assetDir(assetID), "video.gif")
}

// Meta is the sidecar result metadata written by workers.
func (p Paths) Meta(assetID string) string {
	return filepath.Join(p.assetDir(assetID), "meta.json")
}
