package ann

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// File layout, little-endian:
//
//	magic(8) version(4) dims(4) nodes(4) entry(4) maxLevel(4) M(4) Mmax0(4) efC(4) efS(4)
//	per node: key(8) deleted(1) level(4) vector(dims*4) then per layer: n(4) links(n*4)
const (
	fileMagic   = "KBHNSW01"
	fileVersion = 1
)

// Save writes the index to path atomically.
func (idx *Index) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating index dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".hnsw-*")
	if err != nil {
		return fmt.Errorf("creating index file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	bw := bufio.NewWriter(tmp)
	if err := idx.encode(bw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing index: %w", err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing index: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming index: %w", err)
	}
	return nil
}

func (idx *Index) encode(w io.Writer) error {
	if _, err := io.WriteString(w, fileMagic); err != nil {
		return err
	}
	header := []int32{
		fileVersion,
		int32(idx.dims),
		int32(len(idx.nodes)),
		int32(idx.entryPoint),
		int32(idx.maxLevel),
		int32(idx.M),
		int32(idx.Mmax0),
		int32(idx.EfConstruction),
		int32(idx.EfSearch),
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}

	for _, n := range idx.nodes {
		var flag uint8
		if n.deleted {
			flag = 1
		}
		if err := binary.Write(w, binary.LittleEndian, n.key); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, flag); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, int32(n.level)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, n.vector); err != nil {
			return err
		}
		for l := 0; l <= n.level; l++ {
			links := make([]int32, len(n.links[l]))
			for i, p := range n.links[l] {
				links[i] = int32(p)
			}
			if err := binary.Write(w, binary.LittleEndian, int32(len(links))); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, links); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load reads an index written by Save.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening index file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if string(magic) != fileMagic {
		return nil, fmt.Errorf("invalid magic: %q (expected %q)", magic, fileMagic)
	}

	header := make([]int32, 9)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if header[0] != fileVersion {
		return nil, fmt.Errorf("unsupported version: %d", header[0])
	}
	dims, count := int(header[1]), int(header[2])
	if dims < 0 || count < 0 || header[5] < 2 {
		return nil, fmt.Errorf("corrupt header")
	}

	idx := &Index{
		dims:           dims,
		entryPoint:     int(header[3]),
		maxLevel:       int(header[4]),
		M:              int(header[5]),
		Mmax0:          int(header[6]),
		EfConstruction: int(header[7]),
		EfSearch:       int(header[8]),
		levelMult:      1.0 / math.Log(float64(header[5])),
		nodes:          make([]node, 0, count),
		byKey:          make(map[int64]int, count),
		rng:            newRand(int64(count)),
	}

	for i := 0; i < count; i++ {
		var n node
		var flag uint8
		var level int32
		if err := binary.Read(r, binary.LittleEndian, &n.key); err != nil {
			return nil, fmt.Errorf("reading node %d key: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &flag); err != nil {
			return nil, fmt.Errorf("reading node %d flag: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &level); err != nil {
			return nil, fmt.Errorf("reading node %d level: %w", i, err)
		}
		if level < 0 {
			return nil, fmt.Errorf("node %d has negative level", i)
		}
		n.level = int(level)
		n.deleted = flag == 1
		n.vector = make([]float32, dims)
		if err := binary.Read(r, binary.LittleEndian, n.vector); err != nil {
			return nil, fmt.Errorf("reading node %d vector: %w", i, err)
		}

		n.links = make([][]int, n.level+1)
		for l := 0; l <= n.level; l++ {
			var size int32
			if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
				return nil, fmt.Errorf("reading node %d layer %d size: %w", i, l, err)
			}
			raw := make([]int32, size)
			if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
				return nil, fmt.Errorf("reading node %d layer %d links: %w", i, l, err)
			}
			n.links[l] = make([]int, size)
			for j, p := range raw {
				if p < 0 || int(p) >= count {
					return nil, fmt.Errorf("node %d links to out-of-range node %d", i, p)
				}
				n.links[l][j] = int(p)
			}
		}

		idx.nodes = append(idx.nodes, n)
		if n.deleted {
			idx.deleted++
		}
		if n.key >= 0 {
			idx.byKey[n.key] = i
		}
	}
	return idx, nil
}
