package cluster

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"
)

var snapshotMagic = [4]byte{'C', 'M', 'I', 'X'}

const snapshotVersion uint32 = 1

// ErrBadSnapshot is returned when a snapshot has the wrong magic or version.
var ErrBadSnapshot = errors.New("not a cluster index snapshot")

type snapshotOptions struct {
	MinZoom, MaxZoom, MinPoints int32
	Radius                      float64
	NodeSize, Extent            int32
}

// binWriter remembers the first write error.
type binWriter struct {
	w   io.Writer
	err error
}

func (b *binWriter) write(v any) {
	if b.err == nil {
		b.err = binary.Write(b.w, binary.LittleEndian, v)
	}
}

// SaveCompressed writes a zstd-compressed snapshot of the index to w.
func (idx *Index) SaveCompressed(w io.Writer) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}

	bw := &binWriter{w: enc}
	o := idx.Options
	bw.write(snapshotMagic)
	bw.write(snapshotVersion)
	bw.write(snapshotOptions{
		MinZoom:   int32(o.MinZoom),
		MaxZoom:   int32(o.MaxZoom),
		MinPoints: int32(o.MinPoints),
		Radius:    o.Radius,
		NodeSize:  int32(o.NodeSize),
		Extent:    int32(o.Extent),
	})

	bw.write(uint32(len(idx.Points)))
	bw.write(idx.Points)

	for z := o.MinZoom; z <= o.MaxZoom+1; z++ {
		tree := idx.Trees[z]
		bw.write(uint32(len(tree.Nodes)))
		bw.write(tree.Nodes)
		bw.write(uint32(len(tree.Points)))
		bw.write(tree.Points)
	}

	if bw.err != nil {
		enc.Close()
		return fmt.Errorf("failed to write snapshot: %w", bw.err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}
	return nil
}

// LoadCompressed reads a snapshot written by SaveCompressed.
func LoadCompressed(r io.Reader) (*Index, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	read := func(v any) error {
		return binary.Read(dec, binary.LittleEndian, v)
	}

	var magic [4]byte
	var version uint32
	if err := read(&magic); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err := read(&version); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if magic != snapshotMagic || version != snapshotVersion {
		return nil, ErrBadSnapshot
	}

	var so snapshotOptions
	if err := read(&so); err != nil {
		return nil, fmt.Errorf("failed to read options: %w", err)
	}
	opts := Options{
		MinZoom:   int(so.MinZoom),
		MaxZoom:   int(so.MaxZoom),
		MinPoints: int(so.MinPoints),
		Radius:    so.Radius,
		NodeSize:  int(so.NodeSize),
		Extent:    int(so.Extent),
	}
	if opts.MinZoom < 0 || opts.MaxZoom > maxZoomLimit || opts.MinZoom > opts.MaxZoom {
		return nil, fmt.Errorf("%w: zoom range %d..%d", ErrBadSnapshot, opts.MinZoom, opts.MaxZoom)
	}

	var numPoints uint32
	if err := read(&numPoints); err != nil {
		return nil, fmt.Errorf("failed to read points: %w", err)
	}
	idx := &Index{
		Options: opts,
		Points:  make([]Point, numPoints),
		Trees:   make([]*KDTree, opts.MaxZoom+2),
	}
	if err := read(idx.Points); err != nil {
		return nil, fmt.Errorf("failed to read points: %w", err)
	}

	for z := opts.MinZoom; z <= opts.MaxZoom+1; z++ {
		var numNodes, numEntities uint32
		if err := read(&numNodes); err != nil {
			return nil, fmt.Errorf("failed to read tree %d: %w", z, err)
		}
		nodes := make([]KDNode, numNodes)
		if err := read(nodes); err != nil {
			return nil, fmt.Errorf("failed to read tree %d: %w", z, err)
		}
		if err := read(&numEntities); err != nil {
			return nil, fmt.Errorf("failed to read tree %d: %w", z, err)
		}
		entities := make([]KDPoint, numEntities)
		if err := read(entities); err != nil {
			return nil, fmt.Errorf("failed to read tree %d: %w", z, err)
		}

		tree := &KDTree{Nodes: nodes, Points: entities, NodeSize: opts.NodeSize}
		tree.Bounds = KDBounds{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
		for _, p := range entities {
			tree.Bounds.Extend(p.X, p.Y)
		}
		idx.Trees[z] = tree
	}
	return idx, nil
}

// SaveFile writes a compressed snapshot to filename.
func (idx *Index) SaveFile(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	bufWriter := bufio.NewWriterSize(file, 1024*1024)
	if err := idx.SaveCompressed(bufWriter); err != nil {
		return err
	}
	if err := bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	return file.Sync()
}

// LoadFile reads a compressed snapshot from filename.
func LoadFile(filename string) (*Index, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return LoadCompressed(bufio.NewReaderSize(file, 1024*1024))
}
