// Package safetensors reads and writes the safetensors container format and
// the groupq layout for quantized tensors stored inside it.
package safetensors

import (
	"encoding/binary"
	"io"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/groupq/pkg/quant"
)

// MaxHeaderSize bounds the JSON header accepted by Open.
const MaxHeaderSize = 100 << 20

var (
	ErrCorruptFile    = errors.New("safetensors: corrupt file")
	ErrTensorNotFound = errors.New("safetensors: tensor not found")
)

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an open safetensors file. Tensor bytes returned by ReadTensor alias
// the mapping and are valid until Close.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	data    []byte
	mmapped bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open maps path read-only and parses its header. If mmap is unavailable it
// falls back to reading the file into memory.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 8 || size64 > int64(int(^uint(0)>>1)) {
		return nil, errors.Wrapf(ErrCorruptFile, "%s: size %d", path, size64)
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	mmapped := err == nil
	if !mmapped {
		data = make([]byte, size)
		if _, err := f.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrapf(err, "read %s", path)
		}
	}
	sf, err := parse(data)
	if err != nil {
		if mmapped {
			_ = unix.Munmap(data)
		}
		return nil, errors.Wrap(err, path)
	}
	sf.Path = path
	sf.mmapped = mmapped
	return sf, nil
}

func parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, errors.Wrap(ErrCorruptFile, "missing header length")
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > MaxHeaderSize || headerLen > uint64(len(data)-8) {
		return nil, errors.Wrapf(ErrCorruptFile, "header length %d", headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, errors.Wrap(ErrCorruptFile, err.Error())
	}

	var meta map[string]string
	if m, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(m, &meta); err != nil {
			return nil, errors.Wrapf(ErrCorruptFile, "metadata: %v", err)
		}
		delete(raw, "__metadata__")
	}

	dataStart := int64(8 + headerLen)
	payload := int64(len(data)) - dataStart
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, errors.Wrapf(ErrCorruptFile, "tensor %s: %v", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, errors.Wrapf(ErrCorruptFile, "tensor %s: invalid data_offsets", name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > payload {
			return nil, errors.Wrapf(ErrCorruptFile, "tensor %s: offsets [%d, %d) outside %d payload bytes", name, start, end, payload)
		}
		tensors[name] = TensorInfo{DType: th.DType, Shape: th.Shape, Start: start, End: end}
	}
	return &File{
		DataStart: dataStart,
		Tensors:   tensors,
		Metadata:  meta,
		data:      data,
	}, nil
}

// Close releases the mapping.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	f.mmapped = false
	return err
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

func (f *File) Has(name string) bool {
	_, ok := f.Tensors[name]
	return ok
}

// Shape returns a tensor's shape without decoding it.
func (f *File) Shape(name string) ([]int, bool) {
	t, ok := f.Tensors[name]
	return t.Shape, ok
}

// ReadTensor returns the raw little-endian bytes of a tensor.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, errors.Wrap(ErrTensorNotFound, name)
	}
	if f.data == nil {
		return nil, TensorInfo{}, errors.Errorf("safetensors: %s is closed", f.Path)
	}
	off := f.DataStart
	return f.data[off+t.Start : off+t.End], t, nil
}

// ReadTensorF32 decodes an F32, F16 or BF16 tensor to float32.
func (f *File) ReadTensorF32(name string) ([]float32, []int, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, nil, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "tensor %s", name)
	}
	dt, err := floatDType(info.DType)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "tensor %s", name)
	}
	if len(raw) != n*dt.Size() {
		return nil, nil, errors.Wrapf(ErrCorruptFile, "tensor %s: %d bytes for %d %s values", name, len(raw), n, info.DType)
	}
	out, err := quant.DecodeDType(raw, dt)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "tensor %s", name)
	}
	return out, slices.Clone(info.Shape), nil
}

func floatDType(s string) (quant.DType, error) {
	switch s {
	case "F32":
		return quant.F32, nil
	case "F16":
		return quant.F16, nil
	case "BF16":
		return quant.BF16, nil
	default:
		return 0, errors.Errorf("unsupported dtype %s", s)
	}
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, errors.Errorf("invalid dim %d", d)
		}
		if d > 0 && n > (int(^uint(0)>>1))/d {
			return 0, errors.New("tensor too large")
		}
		n *= d
	}
	return n, nil
}
