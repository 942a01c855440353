// Package report renders detections for the terminal.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/menta2k/detr-detect/pkg/types"
)

var errorColor = color.New(color.FgRed)

// Round returns v rounded half away from zero to the given number of decimals
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// Percent converts a [0,1] score to a percentage with one decimal of precision
func Percent(score float64) float64 {
	return Round(score, 3) * 100
}

// formatFloat prints v in shortest form but always with a fractional part, e.g. 10.0
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// FormatBox renders a box as [xmin, ymin, xmax, ymax] with two decimals at most
func FormatBox(b types.Box) string {
	parts := make([]string, 0, 4)
	for _, v := range b.Slice() {
		parts = append(parts, formatFloat(Round(v, 2)))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// FormatLine renders one detection as a human readable line
func FormatLine(d types.Detection) string {
	return fmt.Sprintf("Detected %s -->%s%% correct at location %s",
		d.Label, strconv.FormatFloat(Round(Percent(d.Score), 1), 'f', 1, 64), FormatBox(d.Box))
}

type jsonDetection struct {
	Label   string     `json:"label"`
	Score   float64    `json:"score"`
	Percent float64    `json:"percent"`
	Box     [4]float64 `json:"box"`
}

// Writer prints detections either as text lines or as a JSON array
type Writer struct {
	out  io.Writer
	json bool
}

// NewWriter creates a writer; asJSON switches to a single JSON array
func NewWriter(out io.Writer, asJSON bool) *Writer {
	return &Writer{out: out, json: asJSON}
}

// Write prints detections in the order given
func (w *Writer) Write(detections []types.Detection) error {
	if w.json {
		items := make([]jsonDetection, 0, len(detections))
		for _, d := range detections {
			var box [4]float64
			for i, v := range d.Box.Slice() {
				box[i] = Round(v, 2)
			}
			items = append(items, jsonDetection{
				Label:   d.Label,
				Score:   Round(d.Score, 3),
				Percent: Round(Percent(d.Score), 1),
				Box:     box,
			})
		}
		enc := json.NewEncoder(w.out)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	for _, d := range detections {
		if _, err := fmt.Fprintln(w.out, FormatLine(d)); err != nil {
			return err
		}
	}
	return nil
}

// PrintError writes msg in red
func PrintError(out io.Writer, msg string) {
	errorColor.Fprintln(out, msg)
}
