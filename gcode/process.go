// Package gcode prepends the metadata header the Snapmaker touchscreen
// firmware needs to index, preview and time-estimate an uploaded job.
package gcode

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// processedMark identifies already-annotated files.
const processedMark = ";Processed by snapmaker_send"

// Times the slicer's estimate by an empirical parameter: the firmware's
// progress display runs behind the slicer estimate otherwise.
const timeScale = 1.07

// ErrIncomplete is returned when the payload lacks the print
// temperature or work speed the header requires.
var ErrIncomplete = errors.New("gcode missing required metadata")

// Options tunes the annotation.
type Options struct {
	// Thumbnail is an optional PNG shown on the touchscreen, embedded
	// base64 in the header.
	Thumbnail []byte
}

// Meta is what the scan extracted; callers use it for filename
// synthesis and logging.
type Meta struct {
	Flavor        string // raw ";FLAVOR:..." line
	TimeLine      string // raw ";TIME:..." line
	FilamentLine  string // raw ";Filament used:..." line
	LayerLine     string // raw ";Layer height:..." line
	EstimatedTime time.Duration
	NozzleTemp    float64
	BedTemp       float64
	WorkSpeed     float64 // mm/minute
	MinX, MinY    float64
	MinZ          float64
	MaxX, MaxY    float64
	MaxZ          float64
}

// Process scans the sliced gcode, validates the required metadata, and
// returns the payload with the Snapmaker header block prepended. A
// payload that already carries a header within its first 100 lines is
// returned unchanged (idempotency).
func Process(data []byte, opts Options) ([]byte, Meta, error) {
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")

	meta, body := scan(lines)

	if alreadyProcessed(lines) {
		return data, meta, nil
	}

	if meta.NozzleTemp <= 0 || meta.WorkSpeed <= 0 {
		return nil, meta, fmt.Errorf("%w: print temperature or work speed not found", ErrIncomplete)
	}

	header := buildHeader(meta, opts, len(body))
	out := header + strings.Join(body, "\n")
	return []byte(out), meta, nil
}

// alreadyProcessed looks for a header marker in the first 100 lines.
func alreadyProcessed(lines []string) bool {
	for i, line := range lines {
		if i > 100 {
			return false
		}
		if strings.Contains(line, processedMark) || strings.Contains(line, ";Header Start") {
			return true
		}
	}
	return false
}

// scan extracts metadata in a single pass. Slicer comment lines that
// are re-emitted (or remapped) by the header are dropped from the body.
func scan(lines []string) (Meta, []string) {
	meta := Meta{}
	body := make([]string, 0, len(lines))

	var nozzleSet, bedSet bool

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, ";") {
			if scanComment(trimmed, &meta) {
				continue
			}
			body = append(body, line)
			continue
		}

		codePart := trimmed
		if idx := strings.IndexByte(codePart, ';'); idx >= 0 {
			codePart = strings.TrimSpace(codePart[:idx])
		}
		if codePart != "" {
			upper := strings.ToUpper(codePart)
			switch {
			case strings.HasPrefix(upper, "M104 ") || strings.HasPrefix(upper, "M109 "):
				if v, ok := argValue(codePart, 'S'); ok && !nozzleSet && v > 0 {
					meta.NozzleTemp = v
					nozzleSet = true
				}
			case strings.HasPrefix(upper, "M140 ") || strings.HasPrefix(upper, "M190 "):
				if v, ok := argValue(codePart, 'S'); ok && !bedSet && v > 0 {
					meta.BedTemp = v
					bedSet = true
				}
			case strings.HasPrefix(upper, "G1 ") || strings.HasPrefix(upper, "G0 "):
				// Work speed: fastest feedrate seen on an extruding move.
				if _, extruding := argValue(codePart, 'E'); extruding {
					if f, ok := argValue(codePart, 'F'); ok && f > meta.WorkSpeed {
						meta.WorkSpeed = f
					}
				}
			}
		}
		body = append(body, line)
	}

	return meta, body
}

// scanComment consumes known slicer metadata comments. Returns true if
// the line was consumed and must not appear in the body.
func scanComment(line string, meta *Meta) bool {
	s := strings.TrimPrefix(line, ";")
	switch {
	case strings.HasPrefix(s, "FLAVOR:"):
		if meta.Flavor == "" {
			meta.Flavor = line
			return true
		}
	case strings.HasPrefix(s, "TIME:"):
		if meta.TimeLine == "" {
			meta.TimeLine = line
			if v, err := strconv.ParseFloat(strings.TrimSpace(s[len("TIME:"):]), 64); err == nil {
				meta.EstimatedTime = time.Duration(v * float64(time.Second))
			}
			return true
		}
	case strings.HasPrefix(s, "Filament used:"):
		if meta.FilamentLine == "" {
			meta.FilamentLine = line
			return true
		}
	case strings.HasPrefix(s, "Layer height:"):
		if meta.LayerLine == "" {
			meta.LayerLine = line
			return true
		}
	case strings.HasPrefix(s, "MINX:"):
		meta.MinX = boundValue(s)
		return true
	case strings.HasPrefix(s, "MINY:"):
		meta.MinY = boundValue(s)
		return true
	case strings.HasPrefix(s, "MINZ:"):
		meta.MinZ = boundValue(s)
		return true
	case strings.HasPrefix(s, "MAXX:"):
		meta.MaxX = boundValue(s)
		return true
	case strings.HasPrefix(s, "MAXY:"):
		meta.MaxY = boundValue(s)
		return true
	case strings.HasPrefix(s, "MAXZ:"):
		meta.MaxZ = boundValue(s)
		return true
	}
	return false
}

func boundValue(s string) float64 {
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s[idx+1:]), 64); err == nil {
			return v
		}
	}
	return 0
}

// argValue finds a "<letter><number>" argument in a gcode command.
func argValue(code string, letter byte) (float64, bool) {
	for _, f := range strings.Fields(code)[1:] {
		if len(f) < 2 {
			continue
		}
		if f[0] != letter && f[0] != letter+('a'-'A') {
			continue
		}
		if v, err := strconv.ParseFloat(f[1:], 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

func buildHeader(meta Meta, opts Options, bodyLines int) string {
	var b strings.Builder
	b.WriteString(processedMark + "\n")
	b.WriteString(";Header Start\n")
	if meta.Flavor != "" {
		b.WriteString(meta.Flavor + "\n")
	}
	if meta.TimeLine != "" {
		b.WriteString(meta.TimeLine + "\n")
	}
	if meta.FilamentLine != "" {
		b.WriteString(meta.FilamentLine + "\n")
	}
	if meta.LayerLine != "" {
		b.WriteString(meta.LayerLine + "\n")
	}
	b.WriteString(";header_type: 3dp\n")

	if len(opts.Thumbnail) > 0 {
		b.WriteString(";thumbnail: data:image/png;base64,")
		b.WriteString(base64.StdEncoding.EncodeToString(opts.Thumbnail))
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, ";file_total_lines: %d\n", bodyLines)
	fmt.Fprintf(&b, ";estimated_time(s): %.0f\n", meta.EstimatedTime.Seconds()*timeScale)
	fmt.Fprintf(&b, ";nozzle_temperature(°C): %.0f\n", meta.NozzleTemp)
	fmt.Fprintf(&b, ";build_plate_temperature(°C): %.0f\n", meta.BedTemp)
	fmt.Fprintf(&b, ";work_speed(mm/minute): %.0f\n", meta.WorkSpeed)
	fmt.Fprintf(&b, ";max_x(mm): %.4f\n", meta.MaxX)
	fmt.Fprintf(&b, ";max_y(mm): %.4f\n", meta.MaxY)
	fmt.Fprintf(&b, ";max_z(mm): %.4f\n", meta.MaxZ)
	fmt.Fprintf(&b, ";min_x(mm): %.4f\n", meta.MinX)
	fmt.Fprintf(&b, ";min_y(mm): %.4f\n", meta.MinY)
	fmt.Fprintf(&b, ";min_z(mm): %.4f\n", meta.MinZ)
	b.WriteString(";Header End\n")
	return b.String()
}
