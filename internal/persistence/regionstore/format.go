package regionstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"voxelstack.ai/internal/stack/model"
)

// FormatVersion 2 frames every record with a sync marker and a header checksum.
const FormatVersion = 2

type Header struct {
	Version  int    `json:"version"`
	World    string `json:"world"`
	CX       int    `json:"cx"`
	CZ       int    `json:"cz"`
	Tick     uint64 `json:"tick"`
	Stacks   int    `json:"stacks"`
	Spawners int    `json:"spawners"`
}

// RegionV1 is the persisted stack table of one region.
type RegionV1 struct {
	Header   Header
	Stacks   []StackV1
	Spawners []SpawnerV1
}

func (r RegionV1) Key() model.RegionKey {
	return model.RegionKey{World: r.Header.World, CX: r.Header.CX, CZ: r.Header.CZ}
}

type StackV1 struct {
	Host    string
	Kind    uint8
	Subtype string
	Seq     uint64
	HostLoc model.Location
	// HostState is the host's own member blob, used when the simulation did
	// not bring the host back with the region.
	HostState []byte
	Members   [][]byte
}

type SpawnerV1 struct {
	Source     string
	Subtype    string
	Multiplier int
	Loc        model.Location
}

type recordKind uint8

const (
	recStack recordKind = iota + 1
	recSpawner
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Record frame: marker, kind, body length, header crc (marker..length), body crc.
const (
	frameSize     = 17
	maxRecordSize = 64 << 20
	maxRegionSize = 1 << 30
)

var frameMarker = [4]byte{0xf5, 'S', 'T', 'K'}

// WriteRegion writes a JSON header line followed by length-prefixed,
// checksummed gob records inside one zstd stream.
func WriteRegion(path string, r RegionV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := writeStream(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeStream(w io.Writer, r RegionV1) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	h := r.Header
	h.Version = FormatVersion
	h.Stacks = len(r.Stacks)
	h.Spawners = len(r.Spawners)
	hb, _ := json.Marshal(h)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	for i := range r.Stacks {
		if err := writeRecord(bw, recStack, &r.Stacks[i]); err != nil {
			_ = enc.Close()
			return fmt.Errorf("stack %s: %w", r.Stacks[i].Host, err)
		}
	}
	for i := range r.Spawners {
		if err := writeRecord(bw, recSpawner, &r.Spawners[i]); err != nil {
			_ = enc.Close()
			return fmt.Errorf("spawner %s: %w", r.Spawners[i].Source, err)
		}
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func writeRecord(w io.Writer, kind recordKind, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	var hdr [frameSize]byte
	copy(hdr[0:4], frameMarker[:])
	hdr[4] = byte(kind)
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(buf.Len()))
	binary.LittleEndian.PutUint32(hdr[9:13], crc32.Checksum(hdr[0:9], crcTable))
	binary.LittleEndian.PutUint32(hdr[13:17], crc32.Checksum(buf.Bytes(), crcTable))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ErrCorruptRecord marks a single record that failed its checksum or decode.
var ErrCorruptRecord = errors.New("corrupt record")

// ReadRegion reads a region file. A record that fails its checksum or decode
// is skipped and reported in skipped; the rest of the file still loads. A
// damaged frame header is skipped by scanning for the next record marker.
// err is only set when the file itself cannot be read.
func ReadRegion(path string) (r RegionV1, skipped []error, err error) {
	f, err := os.Open(path)
	if err != nil {
		return r, nil, err
	}
	defer f.Close()
	return readStream(f)
}

// ReadHeader reads only the header line of a region file.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func readStream(rd io.Reader) (r RegionV1, skipped []error, err error) {
	dec, err := zstd.NewReader(rd)
	if err != nil {
		return r, nil, err
	}
	defer dec.Close()
	br := bufio.NewReaderSize(dec, 256*1024)

	line, err := br.ReadBytes('\n')
	if err != nil {
		return r, nil, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &r.Header); err != nil {
		return r, nil, fmt.Errorf("decode header: %w", err)
	}
	if r.Header.Version != FormatVersion {
		return r, nil, fmt.Errorf("unsupported region format version %d", r.Header.Version)
	}
	data, err := io.ReadAll(io.LimitReader(br, maxRegionSize+1))
	if err != nil {
		return r, nil, fmt.Errorf("read records: %w", err)
	}
	if len(data) > maxRegionSize {
		return r, nil, fmt.Errorf("region records exceed %d bytes", maxRegionSize)
	}

	idx := 0
	for off := 0; off < len(data); {
		if !bytes.HasPrefix(data[off:], frameMarker[:]) {
			next := bytes.Index(data[off:], frameMarker[:])
			skipped = append(skipped, fmt.Errorf("record %d: %w: %d bytes without a record marker", idx, ErrCorruptRecord, lenOrRest(next, len(data)-off)))
			idx++
			if next < 0 {
				break
			}
			off += next
			continue
		}
		if len(data)-off < frameSize {
			skipped = append(skipped, fmt.Errorf("record %d: %w: truncated header", idx, ErrCorruptRecord))
			break
		}
		hdr := data[off : off+frameSize]
		n := int(binary.LittleEndian.Uint32(hdr[5:9]))
		if crc32.Checksum(hdr[0:9], crcTable) != binary.LittleEndian.Uint32(hdr[9:13]) || n > maxRecordSize {
			skipped = append(skipped, fmt.Errorf("record %d: %w: frame header", idx, ErrCorruptRecord))
			idx++
			off = resync(data, off+1)
			continue
		}
		if len(data)-off-frameSize < n {
			skipped = append(skipped, fmt.Errorf("record %d: %w: truncated body", idx, ErrCorruptRecord))
			break
		}
		body := data[off+frameSize : off+frameSize+n]
		off += frameSize + n
		if crc32.Checksum(body, crcTable) != binary.LittleEndian.Uint32(hdr[13:17]) {
			skipped = append(skipped, fmt.Errorf("record %d: %w: checksum", idx, ErrCorruptRecord))
			idx++
			continue
		}
		if err := decodeRecord(&r, recordKind(hdr[4]), body); err != nil {
			skipped = append(skipped, fmt.Errorf("record %d: %w: %v", idx, ErrCorruptRecord, err))
		}
		idx++
	}
	return r, skipped, nil
}

func decodeRecord(r *RegionV1, kind recordKind, body []byte) error {
	switch kind {
	case recStack:
		var s StackV1
		if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&s); err != nil {
			return err
		}
		r.Stacks = append(r.Stacks, s)
	case recSpawner:
		var s SpawnerV1
		if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&s); err != nil {
			return err
		}
		r.Spawners = append(r.Spawners, s)
	default:
		return fmt.Errorf("kind %d", kind)
	}
	return nil
}

// resync returns the offset of the next record marker at or after from.
func resync(data []byte, from int) int {
	if from >= len(data) {
		return len(data)
	}
	next := bytes.Index(data[from:], frameMarker[:])
	if next < 0 {
		return len(data)
	}
	return from + next
}

func lenOrRest(next, rest int) int {
	if next < 0 {
		return rest
	}
	return next
}
