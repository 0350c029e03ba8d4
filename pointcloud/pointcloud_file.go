package pointcloud

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	lzf "github.com/zhuyie/golzf"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/ift6142/ringsfm/logging"
)

// PCDType is the DATA encoding of a PCD file.
type PCDType int

// PCD encodings. PCDCompressed is LZF compressed binary data.
const (
	PCDAscii PCDType = iota
	PCDBinary
	PCDCompressed
)

// NewFromFile reads a .las, .pcd or ascii .ply file.
func NewFromFile(fn string, logger logging.Logger) (PointCloud, error) {
	switch filepath.Ext(fn) {
	case ".las":
		return NewFromLASFile(fn, logger)
	case ".pcd":
		//nolint:gosec
		f, err := os.Open(fn)
		if err != nil {
			return nil, err
		}
		defer utils.UncheckedErrorFunc(f.Close)
		return ReadPCD(f)
	case ".ply":
		//nolint:gosec
		f, err := os.Open(fn)
		if err != nil {
			return nil, err
		}
		defer utils.UncheckedErrorFunc(f.Close)
		return ReadPLY(f)
	default:
		return nil, errors.Errorf("do not know how to read file %q", fn)
	}
}

// WriteToFile writes the cloud to fn, picking the format from the extension.
func WriteToFile(cloud PointCloud, fn string) (err error) {
	switch filepath.Ext(fn) {
	case ".las":
		return WriteToLASFile(cloud, fn)
	case ".pcd", ".ply":
		var f *os.File
		//nolint:gosec
		if f, err = os.Create(fn); err != nil {
			return err
		}
		defer func() {
			err = multierr.Combine(err, f.Close())
		}()
		if filepath.Ext(fn) == ".ply" {
			return WritePLY(cloud, f)
		}
		w := bufio.NewWriter(f)
		if err := ToPCD(cloud, w, PCDBinary); err != nil {
			return err
		}
		return w.Flush()
	default:
		return errors.Errorf("do not know how to write file %q", fn)
	}
}

// lasValueTag names the variable length record holding one little endian uint64 value per point.
const lasValueTag = "rc|pv"

// lasColorScale maps 8 bit channels to the 16 bit channels of LAS point format 2.
const lasColorScale = 256

// NewFromLASFile reads a LAS file. Colors are read from point format 2 and values from the
// record written by WriteToLASFile.
func NewFromLASFile(fn string, logger logging.Logger) (PointCloud, error) {
	lf, err := lidario.NewLasFile(fn, "r")
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(lf.Close)

	n := lf.Header.NumberPoints
	var values []uint64
	for _, vlr := range lf.VlrData {
		if vlr.Description != lasValueTag {
			continue
		}
		if len(vlr.BinaryData) < 8*n {
			return nil, errors.Errorf("value data too short for %d points (%d bytes)", n, len(vlr.BinaryData))
		}
		values = make([]uint64, n)
		if err := binary.Read(bytes.NewReader(vlr.BinaryData), binary.LittleEndian, values); err != nil {
			return nil, errors.Wrap(err, "cannot decode point values")
		}
		break
	}

	withColor := lf.Header.PointFormatID == 2
	pc := NewWithPrealloc(n)
	for i := 0; i < n; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, errors.Wrapf(err, "reading point %d", i)
		}
		d := NewBasicData()
		if rgb := p.RgbData(); withColor && rgb != nil {
			d.SetColor(color.NRGBA{
				uint8(rgb.Red / lasColorScale), uint8(rgb.Green / lasColorScale), uint8(rgb.Blue / lasColorScale), 255,
			})
		}
		if values != nil {
			d.SetValue(int(values[i]))
		}
		pos := p.PointData()
		if err := pc.Set(r3.Vector{X: pos.X, Y: pos.Y, Z: pos.Z}, d); err != nil {
			return nil, err
		}
	}
	logger.Debugw("read LAS file", "file", fn, "points", pc.Size(), "color", pc.MetaData().HasColor)
	return pc, nil
}

// lasPoint builds the LAS record of a point. Uncolored points of a colored cloud are white.
func lasPoint(pos r3.Vector, d Data, withColor bool) lidario.LasPointer {
	record := &lidario.PointRecord0{
		X: pos.X,
		Y: pos.Y,
		Z: pos.Z,
		// single return, first of one
		BitField:      lidario.PointBitField{Value: 1 | 1<<3},
		PointSourceID: 1,
	}
	if !withColor {
		return record
	}
	r, g, b := uint8(255), uint8(255), uint8(255)
	if d != nil && d.HasColor() {
		r, g, b = d.RGB255()
	}
	return &lidario.PointRecord2{
		PointRecord0: record,
		RGB: &lidario.RgbData{
			Red:   uint16(r) * lasColorScale,
			Green: uint16(g) * lasColorScale,
			Blue:  uint16(b) * lasColorScale,
		},
	}
}

// WriteToLASFile writes the cloud to a LAS file, with colors when the cloud has any and point
// values in an extra record.
func WriteToLASFile(cloud PointCloud, fn string) (err error) {
	lf, err := lidario.NewLasFile(fn, "w")
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, lf.Close())
	}()

	meta := cloud.MetaData()
	header := lidario.LasHeader{}
	if meta.HasColor {
		header.PointFormatID = 2
	}
	if err := lf.AddHeader(header); err != nil {
		return err
	}

	var values []uint64
	cloud.Iterate(0, 0, func(pos r3.Vector, d Data) bool {
		if meta.HasValue {
			var v uint64
			if d != nil && d.HasValue() {
				v = uint64(d.Value())
			}
			values = append(values, v)
		}
		err = lf.AddLasPoint(lasPoint(pos, d, meta.HasColor))
		return err == nil
	})
	if err != nil || !meta.HasValue {
		return err
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, values); err != nil {
		return err
	}
	return lf.AddVLR(lidario.VLR{
		Description:             lasValueTag,
		BinaryData:              buf.Bytes(),
		RecordLengthAfterHeader: buf.Len(),
	})
}

// colorToPCDInt packs a color as 0x00RRGGBB; points without color are red.
func colorToPCDInt(d Data) int {
	if d == nil || !d.HasColor() {
		return 0xFF0000
	}
	r, g, b := d.RGB255()
	return int(r)<<16 | int(g)<<8 | int(b)
}

func pcdIntToColor(c int) color.NRGBA {
	return color.NRGBA{uint8(c >> 16), uint8(c >> 8), uint8(c), 255}
}

// ToPCD writes out a point cloud to a PCD file of the given type. Positions are written
// as float32 in scene units.
func ToPCD(cloud PointCloud, out io.Writer, outputType PCDType) error {
	if outputType != PCDAscii && outputType != PCDBinary && outputType != PCDCompressed {
		return errors.Errorf("unknown PCD type %d", outputType)
	}
	hasColor := cloud.MetaData().HasColor

	var header strings.Builder
	header.WriteString("VERSION .7\n")
	if hasColor {
		header.WriteString("FIELDS x y z rgb\n" +
			"SIZE 4 4 4 4\n" +
			"TYPE F F F U\n" +
			"COUNT 1 1 1 1\n")
	} else {
		header.WriteString("FIELDS x y z\n" +
			"SIZE 4 4 4\n" +
			"TYPE F F F\n" +
			"COUNT 1 1 1\n")
	}
	fmt.Fprintf(&header, "WIDTH %d\n"+
		"HEIGHT %d\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n",
		cloud.Size(),
		1,
		cloud.Size())
	switch outputType {
	case PCDBinary:
		header.WriteString("DATA binary\n")
	case PCDCompressed:
		header.WriteString("DATA binary_compressed\n")
	default:
		header.WriteString("DATA ascii\n")
	}
	if _, err := io.WriteString(out, header.String()); err != nil {
		return err
	}
	if outputType == PCDCompressed {
		return writePCDCompressed(cloud, out, hasColor)
	}
	return writePCDData(cloud, out, outputType, hasColor)
}

func writePCDData(cloud PointCloud, out io.Writer, pcdtype PCDType, hasColor bool) error {
	var err error
	buf := make([]byte, 16)
	cloud.Iterate(0, 0, func(pos r3.Vector, d Data) bool {
		switch pcdtype {
		case PCDBinary:
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(pos.X)))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(pos.Y)))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(pos.Z)))
			n := 12
			if hasColor {
				binary.LittleEndian.PutUint32(buf[12:], uint32(colorToPCDInt(d)))
				n = 16
			}
			_, err = out.Write(buf[:n])
		default:
			if hasColor {
				_, err = fmt.Fprintf(out, "%f %f %f %d\n", pos.X, pos.Y, pos.Z, colorToPCDInt(d))
			} else {
				_, err = fmt.Fprintf(out, "%f %f %f\n", pos.X, pos.Y, pos.Z)
			}
		}
		return err == nil
	})
	return err
}

// writePCDCompressed writes the fields one after the other (all x, then all y, ...) as an LZF
// block preceded by its compressed and uncompressed sizes.
func writePCDCompressed(cloud PointCloud, out io.Writer, hasColor bool) error {
	fields := int(pcdPointOnly)
	if hasColor {
		fields = int(pcdPointColor)
	}
	n := cloud.Size()
	raw := make([]byte, 4*fields*n)
	i := 0
	cloud.Iterate(0, 0, func(pos r3.Vector, d Data) bool {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(float32(pos.X)))
		binary.LittleEndian.PutUint32(raw[4*(n+i):], math.Float32bits(float32(pos.Y)))
		binary.LittleEndian.PutUint32(raw[4*(2*n+i):], math.Float32bits(float32(pos.Z)))
		if hasColor {
			binary.LittleEndian.PutUint32(raw[4*(3*n+i):], uint32(colorToPCDInt(d)))
		}
		i++
		return true
	})

	// LZF output never exceeds the input by more than one byte per 32
	compressed := make([]byte, len(raw)+len(raw)/32+16)
	size, err := lzf.Compress(raw, compressed)
	if err != nil {
		return errors.Wrap(err, "cannot compress pcd data")
	}
	sizes := make([]byte, 8)
	binary.LittleEndian.PutUint32(sizes, uint32(size))
	binary.LittleEndian.PutUint32(sizes[4:], uint32(len(raw)))
	if _, err := out.Write(sizes); err != nil {
		return err
	}
	_, err = out.Write(compressed[:size])
	return err
}

type pcdFieldType int

const (
	pcdPointOnly  pcdFieldType = 3
	pcdPointColor pcdFieldType = 4
)

type pcdHeader struct {
	fields pcdFieldType
	size   []uint64
	types  []string
	count  []uint64
	width  uint64
	height uint64
	points uint64
	data   PCDType
}

const pcdCommentChar = "#"

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

func parseUintTokens(name string, tokens []string, fields pcdFieldType) ([]uint64, error) {
	if len(tokens) != int(fields) {
		return nil, errors.Errorf("unexpected number of fields in %s line", name)
	}
	out := make([]uint64, len(tokens))
	for i, token := range tokens {
		v, err := strconv.ParseUint(token, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s field %s", name, token)
		}
		out[i] = v
	}
	return out, nil
}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	var err error
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	tokens := strings.Fields(value)
	if field != name {
		return errors.Errorf("line is supposed to start with %s but is %s", name, line)
	}

	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return errors.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		switch strings.Join(tokens, " ") {
		case "x y z":
			header.fields = pcdPointOnly
		case "x y z rgb":
			header.fields = pcdPointColor
		default:
			return errors.Errorf("unsupported pcd fields %s", value)
		}
	case "SIZE":
		if header.size, err = parseUintTokens(name, tokens, header.fields); err != nil {
			return err
		}
		for _, s := range header.size {
			if s != 4 {
				return errors.Errorf("unsupported pcd field size %d", s)
			}
		}
	case "TYPE":
		if len(tokens) != int(header.fields) {
			return errors.New("unexpected number of fields in TYPE line")
		}
		header.types = tokens
	case "COUNT":
		if header.count, err = parseUintTokens(name, tokens, header.fields); err != nil {
			return err
		}
	case "WIDTH":
		if header.width, err = strconv.ParseUint(value, 10, 64); err != nil {
			return errors.Wrapf(err, "invalid WIDTH field %s", value)
		}
	case "HEIGHT":
		if header.height, err = strconv.ParseUint(value, 10, 64); err != nil {
			return errors.Wrapf(err, "invalid HEIGHT field %s", value)
		}
	case "VIEWPOINT":
		if len(tokens) != 7 {
			return errors.Errorf("unexpected number of fields in VIEWPOINT line. Expected 7, got %d", len(tokens))
		}
		for _, token := range tokens {
			if _, err := strconv.ParseFloat(token, 64); err != nil {
				return errors.Wrapf(err, "invalid VIEWPOINT field %s", token)
			}
		}
	case "POINTS":
		if header.points, err = strconv.ParseUint(value, 10, 64); err != nil {
			return errors.Wrapf(err, "invalid POINTS field %s", value)
		}
		if header.points != header.width*header.height {
			return errors.Errorf("POINTS field %d does not match WIDTH*HEIGHT %d", header.points, header.width*header.height)
		}
	case "DATA":
		switch value {
		case "ascii":
			header.data = PCDAscii
		case "binary":
			header.data = PCDBinary
		case "binary_compressed":
			header.data = PCDCompressed
		default:
			return errors.Errorf("unsupported pcd data type %s", value)
		}
	}

	return nil
}

// ReadPCD reads a PCD file written by ToPCD or any writer using the same field layout.
func ReadPCD(inRaw io.Reader) (PointCloud, error) {
	header := pcdHeader{}
	in := bufio.NewReader(inRaw)
	headerLineCount := 0
	for headerLineCount < len(pcdHeaderFields) {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrapf(err, "error reading header line %d", headerLineCount)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, headerLineCount, &header); err != nil {
			return nil, err
		}
		headerLineCount++
	}
	switch header.data {
	case PCDAscii:
		return readPCDAscii(in, header)
	case PCDBinary:
		return readPCDBinary(in, header)
	default:
		return readPCDCompressed(in, header)
	}
}

func readPCDAscii(in *bufio.Reader, header pcdHeader) (PointCloud, error) {
	pc := NewWithPrealloc(int(header.points))
	for i := 0; i < int(header.points); i++ {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, errors.Wrapf(err, "reading point %d", i)
		}
		tokens := strings.Fields(line)
		if len(tokens) != int(header.fields) {
			return nil, errors.Errorf("unexpected number of fields in point %d", i)
		}
		point := make([]float64, len(tokens))
		for j, token := range tokens {
			point[j], err = strconv.ParseFloat(token, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid point %d field %s", i, token)
			}
		}
		pos, data := sliceToPoint(point, header)
		if err := pc.Set(pos, data); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func readPCDBinary(in *bufio.Reader, header pcdHeader) (PointCloud, error) {
	pc := NewWithPrealloc(int(header.points))
	buf := make([]byte, 4*int(header.fields))
	point := make([]float64, int(header.fields))
	for i := 0; i < int(header.points); i++ {
		if _, err := io.ReadFull(in, buf); err != nil {
			return nil, errors.Wrapf(err, "reading point %d", i)
		}
		for j := 0; j < int(header.fields); j++ {
			point[j] = pcdFieldValue(binary.LittleEndian.Uint32(buf[4*j:]), header.types[j])
		}
		pos, data := sliceToPoint(point, header)
		if err := pc.Set(pos, data); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func readPCDCompressed(in *bufio.Reader, header pcdHeader) (PointCloud, error) {
	sizes := make([]byte, 8)
	if _, err := io.ReadFull(in, sizes); err != nil {
		return nil, errors.Wrap(err, "reading compressed pcd sizes")
	}
	compressedSize := binary.LittleEndian.Uint32(sizes)
	rawSize := binary.LittleEndian.Uint32(sizes[4:])
	n := int(header.points)
	fields := int(header.fields)
	if int(rawSize) != 4*fields*n {
		return nil, errors.Errorf("compressed pcd holds %d bytes, expected %d for %d points", rawSize, 4*fields*n, n)
	}
	compressed := make([]byte, compressedSize)
	if _, err := io.ReadFull(in, compressed); err != nil {
		return nil, errors.Wrap(err, "reading compressed pcd data")
	}
	raw := make([]byte, rawSize)
	if got, err := lzf.Decompress(compressed, raw); err != nil {
		return nil, errors.Wrap(err, "cannot decompress pcd data")
	} else if got != len(raw) {
		return nil, errors.Errorf("decompressed %d bytes, expected %d", got, len(raw))
	}

	pc := NewWithPrealloc(n)
	point := make([]float64, fields)
	for i := 0; i < n; i++ {
		for j := 0; j < fields; j++ {
			point[j] = pcdFieldValue(binary.LittleEndian.Uint32(raw[4*(j*n+i):]), header.types[j])
		}
		pos, data := sliceToPoint(point, header)
		if err := pc.Set(pos, data); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func pcdFieldValue(bits uint32, typ string) float64 {
	if typ == "F" {
		return float64(math.Float32frombits(bits))
	}
	return float64(bits)
}

func sliceToPoint(slice []float64, header pcdHeader) (r3.Vector, Data) {
	pos := r3.Vector{X: slice[0], Y: slice[1], Z: slice[2]}
	if header.fields == pcdPointColor {
		return pos, NewColoredData(pcdIntToColor(int(slice[3])))
	}
	return pos, NewBasicData()
}
