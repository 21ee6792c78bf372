// Package utils holds process identity helpers shared by the gate binary
// and service discovery.
package utils

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

const (
	FuncIDOffset = 15 // FuncIDOffset funcid偏移.
	SetIDOffset  = 23 // SetIDOffset setid偏移.
	AreaIDOffset = 27 // AreaIDOffset areaid偏移.
)

const (
	_instIDMask = 0x00007FFF
	_funcIDMask = 0x000000FF
	_setIDMask  = 0x0000000F
	_areaIDMask = 0x0000001F
)

// EntityID identifies one process as area.set.func.inst packed into 32 bits.
// The packed value is stored byte swapped so it reads naturally on the wire.
type EntityID uint32

// ParseEntityID parses the dotted area.set.func.inst form.
func ParseEntityID(s string) (EntityID, error) {
	var area, set, fn, inst int
	if n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &area, &set, &fn, &inst); err != nil || n < 4 {
		return 0, fmt.Errorf("entityid:%s entityIDformat failed", s)
	}
	if area <= 0 || set < 0 || fn <= 0 || inst <= 0 {
		return 0, fmt.Errorf("entityid:%s entityID invalid", s)
	}
	if area > _areaIDMask || set > _setIDMask || fn > _funcIDMask || inst > _instIDMask {
		return 0, fmt.Errorf("entityid:%s max_entityid:%d.%d.%d.%d entityID invalid",
			s, _areaIDMask, _setIDMask, _funcIDMask, _instIDMask)
	}

	packed := uint32(inst) |
		uint32(fn)<<FuncIDOffset |
		uint32(set)<<SetIDOffset |
		uint32(area)<<AreaIDOffset
	return EntityID(convEndian(packed)), nil
}

// MustParseEntityID is ParseEntityID for constants.
func MustParseEntityID(s string) EntityID {
	id, err := ParseEntityID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id EntityID) raw() uint32 {
	return convEndian(uint32(id))
}

// Area 从entityID中解析出areaID.
func (id EntityID) Area() int {
	return int((id.raw() >> AreaIDOffset) & _areaIDMask)
}

// Set 从entityID中解析出setid.
func (id EntityID) Set() int {
	return int((id.raw() >> SetIDOffset) & _setIDMask)
}

// Func 从entityID中解析出funcID.
func (id EntityID) Func() int {
	return int((id.raw() >> FuncIDOffset) & _funcIDMask)
}

// Inst 从entityID中解析出InstID.
func (id EntityID) Inst() int {
	return int(id.raw() & _instIDMask)
}

// String 返回x.x.x.x的字符串地址.
func (id EntityID) String() string {
	var sb strings.Builder
	sb.Grow(16) //nolint:gomnd
	_, _ = sb.WriteString(strconv.Itoa(id.Area()))
	_ = sb.WriteByte('.')
	_, _ = sb.WriteString(strconv.Itoa(id.Set()))
	_ = sb.WriteByte('.')
	_, _ = sb.WriteString(strconv.Itoa(id.Func()))
	_ = sb.WriteByte('.')
	_, _ = sb.WriteString(strconv.Itoa(id.Inst()))
	return sb.String()
}

func convEndian(v uint32) uint32 {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return binary.BigEndian.Uint32(tmp[:])
}
