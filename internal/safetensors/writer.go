package safetensors

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/samcharles93/groupq/pkg/quant"
)

const headerAlign = 8

type pending struct {
	dtype string
	shape []int
	data  []byte
}

// Writer collects tensors in memory and writes them as one safetensors
// file. Tensors are laid out in name order.
type Writer struct {
	tensors map[string]pending
	meta    map[string]string
}

func NewWriter() *Writer {
	return &Writer{tensors: make(map[string]pending), meta: make(map[string]string)}
}

// SetMetadata records a __metadata__ entry.
func (w *Writer) SetMetadata(key, value string) { w.meta[key] = value }

// Add stores raw little-endian bytes for a tensor.
func (w *Writer) Add(name, dtype string, shape []int, data []byte) error {
	if name == "" || name == "__metadata__" {
		return errors.Errorf("safetensors: invalid tensor name %q", name)
	}
	if _, dup := w.tensors[name]; dup {
		return errors.Errorf("safetensors: duplicate tensor %s", name)
	}
	n, err := numElements(shape)
	if err != nil {
		return errors.Wrapf(err, "tensor %s", name)
	}
	size, ok := dtypeSize(dtype)
	if !ok {
		return errors.Errorf("safetensors: tensor %s: unsupported dtype %s", name, dtype)
	}
	if n*size != len(data) {
		return errors.Errorf("safetensors: tensor %s: %d bytes for %d %s values", name, len(data), n, dtype)
	}
	w.tensors[name] = pending{dtype: dtype, shape: slices.Clone(shape), data: data}
	return nil
}

// AddFloat encodes data as dtype.
func (w *Writer) AddFloat(name string, shape []int, data []float32, dtype quant.DType) error {
	return w.Add(name, dtype.String(), shape, quant.EncodeDType(data, dtype))
}

func dtypeSize(dtype string) (int, bool) {
	switch dtype {
	case "F32", "I32", "U32":
		return 4, true
	case "F16", "BF16", "I16", "U16":
		return 2, true
	case "U8", "I8", "BOOL":
		return 1, true
	case "F64", "I64", "U64":
		return 8, true
	}
	return 0, false
}

// Len returns the number of tensors added.
func (w *Writer) Len() int { return len(w.tensors) }

// WriteTo writes the file. The header is padded with spaces so tensor data
// starts on an 8-byte boundary.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	names := make([]string, 0, len(w.tensors))
	for name := range w.tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(names)+1)
	if len(w.meta) > 0 {
		header["__metadata__"] = w.meta
	}
	var off int64
	for _, name := range names {
		p := w.tensors[name]
		end := off + int64(len(p.data))
		header[name] = tensorHeader{DType: p.dtype, Shape: p.shape, DataOffsets: []int64{off, end}}
		off = end
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return 0, errors.Wrap(err, "safetensors: encode header")
	}
	for (8+len(hdr))%headerAlign != 0 {
		hdr = append(hdr, ' ')
	}

	bw := bufio.NewWriterSize(out, 1<<20)
	var written int64
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	for _, chunk := range [][]byte{lenBuf[:], hdr} {
		n, err := bw.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	for _, name := range names {
		n, err := bw.Write(w.tensors[name].data)
		written += int64(n)
		if err != nil {
			return written, errors.Wrapf(err, "write %s", name)
		}
	}
	return written, bw.Flush()
}

// WriteFile writes the file atomically through a temporary sibling.
func (w *Writer) WriteFile(path string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".groupq-*.safetensors")
	if err != nil {
		return 0, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := w.WriteTo(tmp)
	if err != nil {
		_ = tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	return n, os.Rename(tmp.Name(), path)
}
