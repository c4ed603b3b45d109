package tensors

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// This file reads and writes tensors in NumPy's npy format and archives of
// them in npz format. Weight-delta sidecars dumped next to an engine artifact
// use npz so they stay inspectable with standard Python tooling.
//
// Only little-endian, C-order (row-major) data is supported: that is what
// both this package and every graph exporter produce. Fortran-order files
// are rejected rather than silently transposed.

const npyMagic = "\x93NUMPY"

// WriteNpy serializes the tensor to w in npy format (version 1.0 header).
func WriteNpy(w io.Writer, t *Tensor) error {
	descr, err := npyDescr(t.DType())
	if err != nil {
		return err
	}

	// Header dict, e.g.: {'descr': '<f4', 'fortran_order': False, 'shape': (1, 2, 3), }
	// NumPy writes 1-dim shapes with a trailing comma and scalars as ().
	var shapeTuple string
	dims := t.Dims()
	switch len(dims) {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", dims[0])
	default:
		dimsStr := make([]string, len(dims))
		for i, dim := range dims {
			dimsStr[i] = strconv.Itoa(dim)
		}
		shapeTuple = fmt.Sprintf("(%s)", strings.Join(dimsStr, ", "))
	}
	headerDict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeTuple)

	// The preamble (magic + version + header length) takes 10 bytes for a
	// version 1.0 file; the header is space-padded so preamble+header is a
	// multiple of 16 bytes and ends in a newline.
	var headerBuf bytes.Buffer
	headerBuf.WriteString(headerDict)
	for (10+headerBuf.Len()+1)%16 != 0 {
		headerBuf.WriteByte(' ')
	}
	headerBuf.WriteByte('\n')

	if _, err := w.Write([]byte(npyMagic)); err != nil {
		return errors.Wrapf(err, "failed to write npy magic string")
	}
	if _, err := w.Write([]byte{1, 0}); err != nil {
		return errors.Wrapf(err, "failed to write npy version")
	}
	headerLen := make([]byte, 2)
	binary.LittleEndian.PutUint16(headerLen, uint16(headerBuf.Len()))
	if _, err := w.Write(headerLen); err != nil {
		return errors.Wrapf(err, "failed to write npy header length")
	}
	if _, err := w.Write(headerBuf.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write npy header")
	}

	var writeErr error
	t.ConstBytes(func(data []byte) {
		_, writeErr = w.Write(data)
	})
	return errors.Wrapf(writeErr, "failed to write npy tensor data")
}

// ReadNpy reads one tensor in npy format from r.
func ReadNpy(r io.Reader) (*Tensor, error) {
	magic := make([]byte, 6)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrapf(err, "failed to read npy magic string")
	}
	if string(magic) != npyMagic {
		return nil, errors.Errorf("invalid npy file: magic string mismatch")
	}

	version := make([]byte, 2)
	if _, err := io.ReadFull(r, version); err != nil {
		return nil, errors.Wrapf(err, "failed to read npy version")
	}
	var headerLen int
	switch {
	case version[0] == 1:
		lenBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read npy header length (v1.0)")
		}
		headerLen = int(binary.LittleEndian.Uint16(lenBytes))
	case version[0] >= 2:
		lenBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read npy header length (v2.0+)")
		}
		headerLen = int(binary.LittleEndian.Uint32(lenBytes))
	default:
		return nil, errors.Errorf("unsupported npy version %d.%d", version[0], version[1])
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read npy header")
	}
	descr, dims, fortranOrder, err := parseNpyHeader(string(headerBytes))
	if err != nil {
		return nil, err
	}
	if fortranOrder && len(dims) > 1 {
		return nil, errors.Errorf("npy file is in Fortran order, only C order is supported")
	}
	if strings.HasPrefix(descr, ">") {
		return nil, errors.Errorf("npy file holds big-endian data (%q), only little-endian is supported", descr)
	}
	dtype, err := dtypeFromNpyDescr(descr)
	if err != nil {
		return nil, err
	}

	t := FromShape(dtype, dims...)
	var readErr error
	t.MutableBytes(func(data []byte) {
		_, readErr = io.ReadFull(r, data)
	})
	if readErr != nil {
		return nil, errors.Wrapf(readErr, "failed to read npy tensor data (%d bytes expected)", t.Memory())
	}
	return t, nil
}

var (
	reNpyDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reNpyFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reNpyShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

func parseNpyHeader(header string) (descr string, dims []int, fortranOrder bool, err error) {
	mDescr := reNpyDescr.FindStringSubmatch(header)
	if len(mDescr) < 2 {
		err = errors.Errorf("could not find 'descr' in npy header %q", header)
		return
	}
	descr = mDescr[1]

	mFortran := reNpyFortran.FindStringSubmatch(header)
	if len(mFortran) < 2 {
		err = errors.Errorf("could not find 'fortran_order' in npy header %q", header)
		return
	}
	fortranOrder = mFortran[1] == "True"

	mShape := reNpyShape.FindStringSubmatch(header)
	if len(mShape) < 2 {
		err = errors.Errorf("could not find 'shape' in npy header %q", header)
		return
	}
	shapeStr := strings.TrimSpace(mShape[1])
	if shapeStr == "" {
		// Scalar: shape is ().
		return
	}
	for _, part := range strings.Split(shapeStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			// Trailing comma, as in (10,).
			continue
		}
		dim, parseErr := strconv.Atoi(part)
		if parseErr != nil {
			err = errors.Wrapf(parseErr, "invalid dimension %q in npy header", part)
			return
		}
		dims = append(dims, dim)
	}
	return
}

// npyDescr maps a DType to NumPy's dtype description string, little-endian.
func npyDescr(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Bool:
		return "|b1", nil
	case dtypes.Int8:
		return "<i1", nil
	case dtypes.Uint8:
		return "<u1", nil
	case dtypes.Int16:
		return "<i2", nil
	case dtypes.Uint16:
		return "<u2", nil
	case dtypes.Int32:
		return "<i4", nil
	case dtypes.Uint32:
		return "<u4", nil
	case dtypes.Int64:
		return "<i8", nil
	case dtypes.Uint64:
		return "<u8", nil
	case dtypes.Float16:
		return "<f2", nil
	case dtypes.Float32:
		return "<f4", nil
	case dtypes.Float64:
		return "<f8", nil
	default:
		return "", errors.Errorf("dtype %s has no npy representation", dtype)
	}
}

func dtypeFromNpyDescr(descr string) (dtypes.DType, error) {
	switch {
	case descr == "|b1" || descr == "?" || strings.HasSuffix(descr, "b1"):
		return dtypes.Bool, nil
	case strings.HasSuffix(descr, "i1"):
		return dtypes.Int8, nil
	case strings.HasSuffix(descr, "u1"):
		return dtypes.Uint8, nil
	case strings.HasSuffix(descr, "i2"):
		return dtypes.Int16, nil
	case strings.HasSuffix(descr, "u2"):
		return dtypes.Uint16, nil
	case strings.HasSuffix(descr, "i4"):
		return dtypes.Int32, nil
	case strings.HasSuffix(descr, "u4"):
		return dtypes.Uint32, nil
	case strings.HasSuffix(descr, "i8"):
		return dtypes.Int64, nil
	case strings.HasSuffix(descr, "u8"):
		return dtypes.Uint64, nil
	case strings.HasSuffix(descr, "f2"):
		return dtypes.Float16, nil
	case strings.HasSuffix(descr, "f4"):
		return dtypes.Float32, nil
	case strings.HasSuffix(descr, "f8"):
		return dtypes.Float64, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported npy dtype %q", descr)
	}
}

// WriteNpz writes the named tensors to w as an npz archive (a zip of npy entries).
func WriteNpz(w io.Writer, tensorsMap map[string]*Tensor) error {
	zipWriter := zip.NewWriter(w)
	for name, t := range tensorsMap {
		entry, err := zipWriter.Create(name + ".npy")
		if err != nil {
			return errors.Wrapf(err, "failed to create %q in npz archive", name+".npy")
		}
		if err := WriteNpy(entry, t); err != nil {
			return errors.WithMessagef(err, "failed to write tensor %q to npz archive", name)
		}
	}
	return errors.Wrapf(zipWriter.Close(), "failed to close npz archive")
}

// WriteNpzFile writes the named tensors to an npz file.
// The file is written to a temporary sibling and renamed into place, so a
// crash mid-write never leaves a truncated archive behind.
func WriteNpzFile(filePath string, tensorsMap map[string]*Tensor) error {
	tmpPath := filepath.Join(filepath.Dir(filePath), "."+filepath.Base(filePath)+".tmp-"+uuid.NewString())
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create npz file %q", tmpPath)
	}
	if err := WriteNpz(f, tensorsMap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to close npz file %q", tmpPath)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to move npz file into place at %q", filePath)
	}
	return nil
}

// ReadNpz reads every npy entry of an npz archive, keyed by entry name
// without the ".npy" extension.
func ReadNpz(r io.ReaderAt, size int64) (map[string]*Tensor, error) {
	zipReader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open npz archive")
	}
	results := make(map[string]*Tensor)
	for _, f := range zipReader.File {
		cleanPath := path.Clean(f.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			return nil, errors.Errorf("invalid path %q in npz archive", f.Name)
		}
		if !strings.HasSuffix(f.Name, ".npy") {
			// npz archives may carry metadata entries, skip them.
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %q within npz archive", f.Name)
		}
		t, err := ReadNpy(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read tensor %q from npz archive", f.Name)
		}
		results[strings.TrimSuffix(f.Name, ".npy")] = t
	}
	return results, nil
}

// ReadNpzFile reads every tensor of an npz file.
func ReadNpzFile(filePath string) (map[string]*Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open npz file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat npz file %q", filePath)
	}
	tensorsMap, err := ReadNpz(f, info.Size())
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", filePath)
	}
	return tensorsMap, nil
}
