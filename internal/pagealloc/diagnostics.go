package pagealloc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

const dumpMagic uint32 = 0x50474c43 // "PGLC"

// TreeSnapshot is a structural diagnostic dump of a SegmentTree: its shape
// and per-page free bitmaps, not the T payloads themselves (those are the
// caller's data, not the allocator's concern to serialize). It is useful
// for post-mortem fragmentation analysis and for reproducing a tree's
// shape in a test without replaying every allocation that produced it.
type TreeSnapshot struct {
	PageCapacity int
	MaxGroupSize int
	NumSeg       int
	Pages        []PageSnapshot
}

// PageSnapshot captures one leaf's bitmap, keyed by the segment index of
// the leaf it was taken from. LoadDump only decodes it; it does not place it
// back into a tree.
type PageSnapshot struct {
	LeafIndex int
	Bitmap    []uint64
}

// Dump writes a checksummed, zstd-compressed snapshot of the tree's shape
// to w, in the style of the disk-snapshot writer this package's sibling
// packages use: compress the payload, then trail it with an xxhash64
// checksum of the uncompressed payload. LoadDump decompresses first and
// verifies that checksum before decoding any field of the payload.
func (t *segmentTree[T]) dump(w io.Writer) error {
	var body bytes.Buffer
	if err := binary.Write(&body, binary.LittleEndian, dumpMagic); err != nil {
		return err
	}
	if err := binary.Write(&body, binary.LittleEndian, uint64(t.pageCapacity)); err != nil {
		return err
	}
	if err := binary.Write(&body, binary.LittleEndian, uint64(t.maxGroupSize)); err != nil {
		return err
	}
	if err := binary.Write(&body, binary.LittleEndian, uint64(t.numSeg)); err != nil {
		return err
	}
	if err := binary.Write(&body, binary.LittleEndian, uint64(t.index.len())); err != nil {
		return err
	}

	var encErr error
	t.index.tree.Ascend(func(item pageKey) bool {
		pg := t.segs[item.leaf].page()
		words := pg.bitmap.Words()
		if err := binary.Write(&body, binary.LittleEndian, uint64(item.leaf)); err != nil {
			encErr = err
			return false
		}
		if err := binary.Write(&body, binary.LittleEndian, uint64(len(words))); err != nil {
			encErr = err
			return false
		}
		for _, word := range words {
			if err := binary.Write(&body, binary.LittleEndian, word); err != nil {
				encErr = err
				return false
			}
		}
		return true
	})
	if encErr != nil {
		return fmt.Errorf("pagealloc: encode dump: %w", encErr)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("pagealloc: create zstd writer: %w", err)
	}
	if _, err := zw.Write(body.Bytes()); err != nil {
		zw.Close()
		return fmt.Errorf("pagealloc: write compressed dump: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("pagealloc: close zstd writer: %w", err)
	}

	checksum := xxhash.Sum64(body.Bytes())
	return binary.Write(w, binary.LittleEndian, checksum)
}

// loadDumpSnapshot reads back a dump written by dump, verifying its
// checksum before decoding. It returns the structural snapshot only;
// rebuilding a live SegmentTree from it (re-materializing pages, restoring
// the PageIndex) is left to the caller since that also needs fresh T
// storage this package cannot conjure from a bitmap alone.
func loadDumpSnapshot(r io.Reader) (*TreeSnapshot, error) {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("pagealloc: read dump: %w", err)
	}
	if len(compressed) < 8 {
		return nil, fmt.Errorf("pagealloc: dump too short to contain a checksum")
	}
	payload, trailer := compressed[:len(compressed)-8], compressed[len(compressed)-8:]

	zr, err := zstd.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("pagealloc: create zstd reader: %w", err)
	}
	defer zr.Close()

	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("pagealloc: decompress dump: %w", err)
	}

	wantChecksum := binary.LittleEndian.Uint64(trailer)
	if gotChecksum := xxhash.Sum64(body); gotChecksum != wantChecksum {
		return nil, fmt.Errorf("pagealloc: dump checksum mismatch: got %x, want %x", gotChecksum, wantChecksum)
	}

	br := bytes.NewReader(body)
	var magic uint32
	if err := binary.Read(br, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("pagealloc: read magic: %w", err)
	}
	if magic != dumpMagic {
		return nil, fmt.Errorf("pagealloc: bad magic %x", magic)
	}

	var pageCapacity, maxGroupSize, numSeg, numPages uint64
	for _, dst := range []*uint64{&pageCapacity, &maxGroupSize, &numSeg, &numPages} {
		if err := binary.Read(br, binary.LittleEndian, dst); err != nil {
			return nil, fmt.Errorf("pagealloc: read header: %w", err)
		}
	}

	snap := &TreeSnapshot{
		PageCapacity: int(pageCapacity),
		MaxGroupSize: int(maxGroupSize),
		NumSeg:       int(numSeg),
		Pages:        make([]PageSnapshot, 0, numPages),
	}
	for i := uint64(0); i < numPages; i++ {
		var leafIndex, numWords uint64
		if err := binary.Read(br, binary.LittleEndian, &leafIndex); err != nil {
			return nil, fmt.Errorf("pagealloc: read page header: %w", err)
		}
		if err := binary.Read(br, binary.LittleEndian, &numWords); err != nil {
			return nil, fmt.Errorf("pagealloc: read page header: %w", err)
		}
		words := make([]uint64, numWords)
		for j := range words {
			if err := binary.Read(br, binary.LittleEndian, &words[j]); err != nil {
				return nil, fmt.Errorf("pagealloc: read page bitmap: %w", err)
			}
		}
		snap.Pages = append(snap.Pages, PageSnapshot{LeafIndex: int(leafIndex), Bitmap: words})
	}

	return snap, nil
}

// Dump writes a structural diagnostic snapshot of the allocator's current
// shape to w: page layout and free bitmaps, checksummed and compressed.
func (a Allocator[T]) Dump(w io.Writer) error {
	return a.shared.tree.dump(w)
}

// LoadDump reads back a snapshot written by Dump.
func LoadDump(r io.Reader) (*TreeSnapshot, error) {
	return loadDumpSnapshot(r)
}
