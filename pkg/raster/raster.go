// Package raster implements a single-file raster container: a JSON profile
// header followed by band-sequential pixel data. It supports boundless
// windowed reads with a fill value and sparse windowed writes, which is all
// the pipeline needs from its artifacts.
package raster

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/terminal-bench/rasterflow/pkg/geo"
	"github.com/terminal-bench/rasterflow/pkg/grid"
)

// DType identifies the sample type of every band in a dataset.
type DType string

const (
	DTypeUint8   DType = "uint8"
	DTypeFloat32 DType = "float32"
)

var magic = [4]byte{'R', 'F', 'R', '1'}

// Profile describes a dataset's shape and georeferencing.
type Profile struct {
	Width     int        `json:"width"`
	Height    int        `json:"height"`
	Bands     int        `json:"bands"`
	DType     DType      `json:"dtype"`
	NoData    *float64   `json:"nodata,omitempty"`
	Transform geo.Affine `json:"transform"`
	CRS       string     `json:"crs,omitempty"`
}

// SampleSize returns the byte width of one sample.
func (p Profile) SampleSize() int {
	if p.DType == DTypeFloat32 {
		return 4
	}
	return 1
}

// NoDataValue returns the fill value for unset pixels, zero when no nodata
// is declared.
func (p Profile) NoDataValue() float64 {
	if p.NoData != nil {
		return *p.NoData
	}
	return 0
}

func (p Profile) validate() error {
	if p.Width <= 0 || p.Height <= 0 || p.Bands <= 0 {
		return fmt.Errorf("invalid profile dimensions %dx%dx%d", p.Width, p.Height, p.Bands)
	}
	if p.DType != DTypeUint8 && p.DType != DTypeFloat32 {
		return fmt.Errorf("unsupported dtype %q", p.DType)
	}
	return nil
}

// Dataset is a read-only open raster.
type Dataset struct {
	r       io.ReaderAt
	closer  io.Closer
	profile Profile
	dataOff int64
}

// Open opens the raster file at path.
func Open(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open raster: %w", err)
	}
	ds, err := NewDataset(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	ds.closer = f
	return ds, nil
}

// NewDataset reads the header from r and returns a dataset over it.
func NewDataset(r io.ReaderAt) (*Dataset, error) {
	var head [8]byte
	if _, err := r.ReadAt(head[:], 0); err != nil {
		return nil, fmt.Errorf("failed to read raster header: %w", err)
	}
	if [4]byte(head[:4]) != magic {
		return nil, fmt.Errorf("not a raster container")
	}
	hdrLen := binary.LittleEndian.Uint32(head[4:8])
	hdr := make([]byte, hdrLen)
	if _, err := r.ReadAt(hdr, 8); err != nil {
		return nil, fmt.Errorf("failed to read raster profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(hdr, &p); err != nil {
		return nil, fmt.Errorf("failed to decode raster profile: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &Dataset{r: r, profile: p, dataOff: int64(8 + hdrLen)}, nil
}

// Profile returns the dataset's profile.
func (d *Dataset) Profile() Profile {
	return d.profile
}

// Close closes the underlying file if the dataset owns one.
func (d *Dataset) Close() error {
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}

func (d *Dataset) bandOffset(band int) int64 {
	return d.dataOff + int64(band)*int64(d.profile.Width)*int64(d.profile.Height)*int64(d.profile.SampleSize())
}

// Read reads one band's pixels inside win in row-major order. The window may
// extend past the raster bounds; out-of-bounds samples take fill.
func (d *Dataset) Read(band int, win grid.Window, fill float64) ([]float64, error) {
	if band < 0 || band >= d.profile.Bands {
		return nil, fmt.Errorf("band %d out of range", band)
	}
	ss := d.profile.SampleSize()
	out := make([]float64, win.Width*win.Height)
	rowBuf := make([]byte, win.Width*ss)
	for y := 0; y < win.Height; y++ {
		row := win.Row + y
		base := y * win.Width
		if row < 0 || row >= d.profile.Height {
			for x := 0; x < win.Width; x++ {
				out[base+x] = fill
			}
			continue
		}
		// Clip the requested span to the raster width.
		lo := max(win.Col, 0)
		hi := min(win.Col+win.Width, d.profile.Width)
		for x := 0; x < win.Width; x++ {
			out[base+x] = fill
		}
		if lo >= hi {
			continue
		}
		n := hi - lo
		off := d.bandOffset(band) + (int64(row)*int64(d.profile.Width)+int64(lo))*int64(ss)
		if _, err := d.r.ReadAt(rowBuf[:n*ss], off); err != nil {
			return nil, fmt.Errorf("failed to read raster row: %w", err)
		}
		for i := 0; i < n; i++ {
			out[base+(lo-win.Col)+i] = decodeSample(d.profile.DType, rowBuf[i*ss:])
		}
	}
	return out, nil
}

// ReadBand reads a full band.
func (d *Dataset) ReadBand(band int) ([]float64, error) {
	return d.Read(band, grid.Window{Col: 0, Row: 0, Width: d.profile.Width, Height: d.profile.Height}, d.profile.NoDataValue())
}

// Writer creates and fills a raster file.
type Writer struct {
	f       *os.File
	profile Profile
	dataOff int64
}

// Create writes a new raster at path with every pixel preset to the profile's
// nodata value.
func Create(path string, p Profile) (*Writer, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	hdr, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode raster profile: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create raster: %w", err)
	}
	head := make([]byte, 8, 8+len(hdr))
	copy(head, magic[:])
	binary.LittleEndian.PutUint32(head[4:8], uint32(len(hdr)))
	head = append(head, hdr...)
	if _, err := f.Write(head); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write raster header: %w", err)
	}

	ss := p.SampleSize()
	row := make([]byte, p.Width*ss)
	for x := 0; x < p.Width; x++ {
		encodeSample(p.DType, row[x*ss:], p.NoDataValue())
	}
	for i := 0; i < p.Bands*p.Height; i++ {
		if _, err := f.Write(row); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to prefill raster: %w", err)
		}
	}
	return &Writer{f: f, profile: p, dataOff: int64(len(head))}, nil
}

// Profile returns the writer's profile.
func (w *Writer) Profile() Profile {
	return w.profile
}

// Write stores values into one band inside win. The window is clipped to the
// raster bounds; values outside are dropped.
func (w *Writer) Write(band int, win grid.Window, values []float64) error {
	if band < 0 || band >= w.profile.Bands {
		return fmt.Errorf("band %d out of range", band)
	}
	if len(values) != win.Width*win.Height {
		return fmt.Errorf("value count %d does not match window %dx%d", len(values), win.Width, win.Height)
	}
	ss := w.profile.SampleSize()
	bandOff := w.dataOff + int64(band)*int64(w.profile.Width)*int64(w.profile.Height)*int64(ss)
	buf := make([]byte, win.Width*ss)
	for y := 0; y < win.Height; y++ {
		row := win.Row + y
		if row < 0 || row >= w.profile.Height {
			continue
		}
		lo := max(win.Col, 0)
		hi := min(win.Col+win.Width, w.profile.Width)
		if lo >= hi {
			continue
		}
		n := hi - lo
		for i := 0; i < n; i++ {
			encodeSample(w.profile.DType, buf[i*ss:], values[y*win.Width+(lo-win.Col)+i])
		}
		off := bandOff + (int64(row)*int64(w.profile.Width)+int64(lo))*int64(ss)
		if _, err := w.f.WriteAt(buf[:n*ss], off); err != nil {
			return fmt.Errorf("failed to write raster row: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("failed to sync raster: %w", err)
	}
	return w.f.Close()
}

func decodeSample(dt DType, b []byte) float64 {
	if dt == DTypeFloat32 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return float64(b[0])
}

func encodeSample(dt DType, b []byte, v float64) {
	if dt == DTypeFloat32 {
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		return
	}
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	b[0] = byte(v)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
