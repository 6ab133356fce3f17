package gcode

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sliced = `;FLAVOR:Marlin
;TIME:6100
;Filament used: 1.2m
;Layer height: 0.2
;MINX:10.5
;MINY:11.5
;MINZ:0.3
;MAXX:120.5
;MAXY:130.5
;MAXZ:45.3
M140 S60
M190 S60
M104 S205
M109 S205
G28
G0 F6000 X10.5 Y11.5 Z0.3
G1 F1500 X20 Y20 E1.5
G1 F3000 X30 Y30 E3.0
`

func TestProcess(t *testing.T) {
	out, meta, err := Process([]byte(sliced), Options{})
	require.NoError(t, err)

	assert.Equal(t, 205.0, meta.NozzleTemp)
	assert.Equal(t, 60.0, meta.BedTemp)
	assert.Equal(t, 3000.0, meta.WorkSpeed, "fastest extruding feedrate")
	assert.Equal(t, 6100*time.Second, meta.EstimatedTime)
	assert.Equal(t, 120.5, meta.MaxX)
	assert.Equal(t, 0.3, meta.MinZ)

	text := string(out)
	assert.True(t, strings.HasPrefix(text, processedMark+"\n;Header Start\n"))
	assert.Contains(t, text, ";header_type: 3dp\n")
	assert.Contains(t, text, ";FLAVOR:Marlin\n")
	assert.Contains(t, text, ";nozzle_temperature(°C): 205\n")
	assert.Contains(t, text, ";build_plate_temperature(°C): 60\n")
	assert.Contains(t, text, ";work_speed(mm/minute): 3000\n")
	assert.Contains(t, text, ";estimated_time(s): 6527\n") // 6100 * 1.07
	assert.Contains(t, text, ";max_x(mm): 120.5000\n")
	assert.Contains(t, text, ";min_z(mm): 0.3000\n")
	assert.Contains(t, text, ";Header End\n")

	// The consumed slicer comments do not repeat in the body.
	body := text[strings.Index(text, ";Header End\n")+len(";Header End\n"):]
	assert.NotContains(t, body, ";MINX:")
	assert.NotContains(t, body, ";TIME:")
	assert.Contains(t, body, "G28")
}

func TestProcessIdempotent(t *testing.T) {
	once, _, err := Process([]byte(sliced), Options{})
	require.NoError(t, err)

	twice, _, err := Process(once, Options{})
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestProcessForeignHeaderLeftAlone(t *testing.T) {
	in := []byte(";Header Start\n;header_type: 3dp\n;Header End\nG28\n")
	out, _, err := Process(in, Options{})
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestProcessThumbnail(t *testing.T) {
	out, _, err := Process([]byte(sliced), Options{Thumbnail: []byte{0x89, 'P', 'N', 'G'}})
	require.NoError(t, err)
	assert.Contains(t, string(out), ";thumbnail: data:image/png;base64,iVBORw==\n")
}

func TestProcessMissingMetadata(t *testing.T) {
	// No temperature, no extruding move.
	_, _, err := Process([]byte("G28\nG0 F6000 X10\n"), Options{})
	assert.ErrorIs(t, err, ErrIncomplete)

	// Temperature but no extruding move with a feedrate.
	_, _, err = Process([]byte("M104 S205\nG28\n"), Options{})
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestProcessCRLF(t *testing.T) {
	in := strings.ReplaceAll(sliced, "\n", "\r\n")
	out, meta, err := Process([]byte(in), Options{})
	require.NoError(t, err)
	assert.Equal(t, 205.0, meta.NozzleTemp)
	assert.NotContains(t, string(out), "\r")
}
