package satb

import "unsafe"

// LayoutVersion identifies the binary layout of Queue's barrier-visible
// fields. Bump it whenever an offset or width below changes.
const LayoutVersion = 1

// Field names used in Layout.
const (
	FieldIndex  = "index"
	FieldBuf    = "buf"
	FieldActive = "active"
)

const (
	ptrSize = unsafe.Sizeof(uintptr(0))

	indexOffset  = 0
	bufOffset    = indexOffset + ptrSize
	activeOffset = bufOffset + ptrSize

	indexWidth  = ptrSize
	bufWidth    = ptrSize
	activeWidth = 1

	entrySize = ptrSize
)

// FieldLayout locates one queue field for generated code.
type FieldLayout struct {
	Name   string  `json:"name"`
	Offset uintptr `json:"offset"`
	Width  uintptr `json:"width"`
}

// Layout is the versioned descriptor barrier code is generated against.
type Layout struct {
	Version   int           `json:"version"`
	EntrySize uintptr       `json:"entrySize"`
	Fields    []FieldLayout `json:"fields"`
}

// Field returns the named field.
func (l Layout) Field(name string) (FieldLayout, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldLayout{}, false
}

// CurrentLayout returns the descriptor for this build.
func CurrentLayout() Layout {
	return Layout{
		Version:   LayoutVersion,
		EntrySize: entrySize,
		Fields: []FieldLayout{
			{Name: FieldIndex, Offset: indexOffset, Width: indexWidth},
			{Name: FieldBuf, Offset: bufOffset, Width: bufWidth},
			{Name: FieldActive, Offset: activeOffset, Width: activeWidth},
		},
	}
}

func ByteOffsetOfIndex() uintptr  { return indexOffset }
func ByteWidthOfIndex() uintptr   { return indexWidth }
func ByteOffsetOfBuf() uintptr    { return bufOffset }
func ByteWidthOfBuf() uintptr     { return bufWidth }
func ByteOffsetOfActive() uintptr { return activeOffset }
func ByteWidthOfActive() uintptr  { return activeWidth }
