package cluster

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Point files hold fixed-size records so large datasets can be memory-mapped:
//
//	header: "CMPT" uint32(count)
//	record: float32 lon, float32 lat, uint8 category, 3 bytes padding
var pointFileMagic = []byte("CMPT")

const (
	pointHeaderSize = 8
	pointRecordSize = 12
)

// MMapWriter handles writing to memory-mapped files
type MMapWriter struct {
	data   mmap.MMap
	offset int
}

func NewMMapWriter(data mmap.MMap) *MMapWriter {
	return &MMapWriter{data: data}
}

func (w *MMapWriter) WriteUint32(v uint32) {
	binary.LittleEndian.PutUint32(w.data[w.offset:], v)
	w.offset += 4
}

func (w *MMapWriter) WriteFloat32(v float32) {
	binary.LittleEndian.PutUint32(w.data[w.offset:], math.Float32bits(v))
	w.offset += 4
}

func (w *MMapWriter) WriteBytes(b []byte) {
	copy(w.data[w.offset:], b)
	w.offset += len(b)
}

// MMapReader handles reading from memory-mapped files
type MMapReader struct {
	data   mmap.MMap
	offset int
}

func NewMMapReader(data mmap.MMap) *MMapReader {
	return &MMapReader{data: data}
}

func (r *MMapReader) ReadUint32() uint32 {
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v
}

func (r *MMapReader) ReadFloat32() float32 {
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return math.Float32frombits(v)
}

func (r *MMapReader) ReadUint8() byte {
	b := r.data[r.offset]
	r.offset++
	return b
}

func (r *MMapReader) Skip(n int) {
	r.offset += n
}

// SavePoints writes points to a memory-mapped point file. Record order is the
// point's position; Point.Index is not stored.
func SavePoints(filename string, points []Point) error {
	size := int64(pointHeaderSize + pointRecordSize*len(points))

	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if err := file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate file: %w", err)
	}

	data, err := mmap.MapRegion(file, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to mmap file: %w", err)
	}

	w := NewMMapWriter(data)
	w.WriteBytes(pointFileMagic)
	w.WriteUint32(uint32(len(points)))
	for _, p := range points {
		w.WriteFloat32(float32(p.Lon))
		w.WriteFloat32(float32(p.Lat))
		w.WriteBytes([]byte{byte(p.Category), 0, 0, 0})
	}

	if err := data.Flush(); err != nil {
		data.Unmap()
		return fmt.Errorf("failed to flush mmap: %w", err)
	}
	if err := data.Unmap(); err != nil {
		return fmt.Errorf("failed to unmap file: %w", err)
	}
	return nil
}

// OpenPoints reads a point file. Each point's Index is its record position.
func OpenPoints(filename string) ([]Point, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() < pointHeaderSize {
		return nil, fmt.Errorf("point file %s: too short", filename)
	}

	data, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap file: %w", err)
	}
	defer data.Unmap()

	if string(data[:4]) != string(pointFileMagic) {
		return nil, fmt.Errorf("point file %s: bad magic", filename)
	}

	r := NewMMapReader(data)
	r.Skip(4)
	count := int(r.ReadUint32())
	if len(data) < pointHeaderSize+count*pointRecordSize {
		return nil, fmt.Errorf("point file %s: truncated, want %d records", filename, count)
	}

	points := make([]Point, count)
	for i := range points {
		points[i] = Point{
			Lon:      float64(r.ReadFloat32()),
			Lat:      float64(r.ReadFloat32()),
			Category: Category(r.ReadUint8()),
			Index:    int32(i),
		}
		r.Skip(3)
	}
	return points, nil
}
