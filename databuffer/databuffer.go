// Package databuffer implements the Generic Buffer (§3, §4.H): a
// dynamically-described byte buffer whose field layout is computed at
// runtime from a list of field descriptors, letting one data source
// satisfy whatever typed sink a configuration document says it should.
package databuffer

import (
	"encoding/binary"
	"math"

	"github.com/ramoncreager/matrix/errors"
)

// FieldType identifies a field's underlying storage type, mirroring the
// original data_description::types enum. Only the fixed-width types that
// have an unambiguous Go equivalent are kept; the C-specific types with
// platform-dependent width (long, unsigned long) are represented by their
// closest fixed-width Go equivalent.
type FieldType int

const (
	Int8 FieldType = iota
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Bool
	Float32
	Float64
	Char // fixed-width byte string; width comes from Elements
)

// typeSize is the original's type_info table: the storage width in bytes
// of one element of each FieldType.
var typeSize = map[FieldType]int{
	Int8:    1,
	Uint8:   1,
	Int16:   2,
	Uint16:  2,
	Int32:   4,
	Uint32:  4,
	Int64:   8,
	Uint64:  8,
	Bool:    1,
	Float32: 4,
	Float64: 8,
	Char:    1,
}

// Field describes one named value in a Description, following
// data_description::data_field.
type Field struct {
	Name     string
	Type     FieldType
	Elements int  // 1 or more
	Skip     bool // exclude from logging
	offset   int  // computed by Size()
}

// Description is the ordered list of fields a GenericBuffer is laid out
// from, equivalent to data_description.
type Description struct {
	Interval float64 // seconds, informational
	fields   []*Field
	byName   map[string]*Field
	sized    bool
	total    int
}

// NewDescription returns an empty field description.
func NewDescription() *Description {
	return &Description{}
}

// AddField appends a field to the description. elements must be >= 1.
func (d *Description) AddField(name string, t FieldType, elements int, skip bool) error {
	if _, ok := typeSize[t]; !ok {
		return errors.WrapInvalid(errors.ErrUnknownFieldType, "Description", "AddField", name)
	}
	if elements < 1 {
		elements = 1
	}
	d.fields = append(d.fields, &Field{Name: name, Type: t, Elements: elements, Skip: skip})
	d.sized = false
	return nil
}

// Fields returns the description's fields in declaration order.
func (d *Description) Fields() []*Field {
	return d.fields
}

// Size computes the natural-alignment layout of every field and returns
// the total buffer size, following the original's slot-overflow algorithm:
// the largest field's size sets a "slot" width, and each field is packed
// into the current slot if it fits (after aligning to its own size),
// otherwise a new slot is opened.
//
// The original implementation does not multiply its offset-walk variable
// by elements for array fields (data_description::size() in
// GenericBuffer.cc). This is a supplement, not a faithful port of that
// limitation: an array field of N elements occupies typeSize*N contiguous
// bytes, and both the overflow check and the offset-walk advance by that
// full span so multi-element fields still land at non-overlapping offsets.
func (d *Description) Size() (int, error) {
	if len(d.fields) == 0 {
		return 0, errors.WrapInvalid(errors.ErrFieldNotFound, "Description", "Size", "no fields declared")
	}

	slotSize := 0
	for _, f := range d.fields {
		if typeSize[f.Type] > slotSize {
			slotSize = typeSize[f.Type]
		}
	}

	offset := 0
	slots := 1
	for _, f := range d.fields {
		span := typeSize[f.Type] * f.Elements

		if rem := offset % span; rem != 0 {
			offset += span - rem
		}
		if slotSize-offset < span && offset > 0 {
			offset = 0
			slots++
		}

		f.offset = slotSize*(slots-1) + offset
		offset += span
		for offset > slotSize {
			offset -= slotSize
			slots++
		}
	}

	d.total = slotSize * slots
	d.byName = make(map[string]*Field, len(d.fields))
	for _, f := range d.fields {
		d.byName[f.Name] = f
	}
	d.sized = true
	return d.total, nil
}

// field looks up a field by name, requiring Size to have been called.
func (d *Description) field(name string) (*Field, error) {
	if !d.sized {
		return nil, errors.WrapInvalid(errors.ErrBufferNotSized, "Description", "field", name)
	}
	if f, ok := d.byName[name]; ok {
		return f, nil
	}
	return nil, errors.WrapInvalid(errors.ErrFieldNotFound, "Description", "field", name)
}

// GenericBuffer is a byte buffer whose contents are interpreted according
// to a Description, letting one DataSource[GenericBuffer] satisfy any
// DataSink[T] whose wire shape matches the description (§4.H).
type GenericBuffer struct {
	desc *Description
	buf  []byte
}

// New allocates a GenericBuffer sized to desc, which must already have had
// Size called (or calls it now if not).
func New(desc *Description) (*GenericBuffer, error) {
	size, err := desc.Size()
	if err != nil {
		return nil, err
	}
	return &GenericBuffer{desc: desc, buf: make([]byte, size)}, nil
}

// Resize replaces the backing slice, analogous to GenericBuffer::resize.
func (g *GenericBuffer) Resize(size int) {
	g.buf = make([]byte, size)
}

// Size returns the backing slice's length.
func (g *GenericBuffer) Size() int { return len(g.buf) }

// Data returns the raw backing bytes.
func (g *GenericBuffer) Data() []byte { return g.buf }

// SetData replaces the backing bytes wholesale, used when a sink receives
// a raw payload over the transport layer.
func (g *GenericBuffer) SetData(b []byte) { g.buf = b }

func (g *GenericBuffer) checkBounds(f *Field, width int) error {
	if f.offset+width > len(g.buf) {
		return errors.WrapInvalid(errors.ErrBufferTooSmall, "GenericBuffer", "access", f.Name)
	}
	return nil
}

// SetInt64 writes val into the named field's first element.
func (g *GenericBuffer) SetInt64(name string, val int64) error {
	f, err := g.desc.field(name)
	if err != nil {
		return err
	}
	if err := g.checkBounds(f, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(g.buf[f.offset:], uint64(val))
	return nil
}

// Int64 reads the named field's first element.
func (g *GenericBuffer) Int64(name string) (int64, error) {
	f, err := g.desc.field(name)
	if err != nil {
		return 0, err
	}
	if err := g.checkBounds(f, 8); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(g.buf[f.offset:])), nil
}

// SetInt32 writes val into the named field's first element.
func (g *GenericBuffer) SetInt32(name string, val int32) error {
	f, err := g.desc.field(name)
	if err != nil {
		return err
	}
	if err := g.checkBounds(f, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(g.buf[f.offset:], uint32(val))
	return nil
}

// Int32 reads the named field's first element.
func (g *GenericBuffer) Int32(name string) (int32, error) {
	f, err := g.desc.field(name)
	if err != nil {
		return 0, err
	}
	if err := g.checkBounds(f, 4); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(g.buf[f.offset:])), nil
}

// SetInt16 writes val into the named field's first element.
func (g *GenericBuffer) SetInt16(name string, val int16) error {
	f, err := g.desc.field(name)
	if err != nil {
		return err
	}
	if err := g.checkBounds(f, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(g.buf[f.offset:], uint16(val))
	return nil
}

// Int16 reads the named field's first element.
func (g *GenericBuffer) Int16(name string) (int16, error) {
	f, err := g.desc.field(name)
	if err != nil {
		return 0, err
	}
	if err := g.checkBounds(f, 2); err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(g.buf[f.offset:])), nil
}

// SetInt8 writes val into the named field's first element.
func (g *GenericBuffer) SetInt8(name string, val int8) error {
	f, err := g.desc.field(name)
	if err != nil {
		return err
	}
	if err := g.checkBounds(f, 1); err != nil {
		return err
	}
	g.buf[f.offset] = byte(val)
	return nil
}

// Int8 reads the named field's first element.
func (g *GenericBuffer) Int8(name string) (int8, error) {
	f, err := g.desc.field(name)
	if err != nil {
		return 0, err
	}
	if err := g.checkBounds(f, 1); err != nil {
		return 0, err
	}
	return int8(g.buf[f.offset]), nil
}

// SetFloat64 writes val into the named field's first element.
func (g *GenericBuffer) SetFloat64(name string, val float64) error {
	f, err := g.desc.field(name)
	if err != nil {
		return err
	}
	if err := g.checkBounds(f, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(g.buf[f.offset:], math.Float64bits(val))
	return nil
}

// Float64 reads the named field's first element.
func (g *GenericBuffer) Float64(name string) (float64, error) {
	f, err := g.desc.field(name)
	if err != nil {
		return 0, err
	}
	if err := g.checkBounds(f, 8); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(g.buf[f.offset:])), nil
}

// SetFloat32 writes val into the named field's first element.
func (g *GenericBuffer) SetFloat32(name string, val float32) error {
	f, err := g.desc.field(name)
	if err != nil {
		return err
	}
	if err := g.checkBounds(f, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(g.buf[f.offset:], math.Float32bits(val))
	return nil
}

// Float32 reads the named field's first element.
func (g *GenericBuffer) Float32(name string) (float32, error) {
	f, err := g.desc.field(name)
	if err != nil {
		return 0, err
	}
	if err := g.checkBounds(f, 4); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(g.buf[f.offset:])), nil
}

// SetBool writes val into the named field's first element.
func (g *GenericBuffer) SetBool(name string, val bool) error {
	f, err := g.desc.field(name)
	if err != nil {
		return err
	}
	if err := g.checkBounds(f, 1); err != nil {
		return err
	}
	b := byte(0)
	if val {
		b = 1
	}
	g.buf[f.offset] = b
	return nil
}

// Bool reads the named field's first element.
func (g *GenericBuffer) Bool(name string) (bool, error) {
	f, err := g.desc.field(name)
	if err != nil {
		return false, err
	}
	if err := g.checkBounds(f, 1); err != nil {
		return false, err
	}
	return g.buf[f.offset] != 0, nil
}

// SetString writes val into a Char field, truncating or zero-padding to the
// field's declared width (Elements bytes).
func (g *GenericBuffer) SetString(name string, val string) error {
	f, err := g.desc.field(name)
	if err != nil {
		return err
	}
	width := f.Elements
	if err := g.checkBounds(f, width); err != nil {
		return err
	}
	n := copy(g.buf[f.offset:f.offset+width], val)
	for ; n < width; n++ {
		g.buf[f.offset+n] = 0
	}
	return nil
}

// String reads a Char field back, trimming trailing NUL padding.
func (g *GenericBuffer) String(name string) (string, error) {
	f, err := g.desc.field(name)
	if err != nil {
		return "", err
	}
	width := f.Elements
	if err := g.checkBounds(f, width); err != nil {
		return "", err
	}
	raw := g.buf[f.offset : f.offset+width]
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	return string(raw[:end]), nil
}
