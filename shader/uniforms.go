package shader

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strings"
)

const (
	// BlockName is the uniform block every fragment stage must declare.
	BlockName = "FrameUniforms"
	// BlockBinding is the binding slot the block is attached to.
	BlockBinding = 0
	// BlockSize is the std140 size of the block in bytes.
	BlockSize = 32
)

// FrameUniforms is rebuilt every frame and uploaded before the draw.
type FrameUniforms struct {
	Time        float32
	Sensor      [3]float32
	AspectRatio float32
}

// Bytes returns the std140 image of the block:
//
//	offset  0  float time
//	offset  4  padding (vec3 aligns to 16)
//	offset 16  vec3  sensor
//	offset 28  float aspect_ratio
func (u FrameUniforms) Bytes() []byte {
	b := make([]byte, BlockSize)
	u.Put(b)
	return b
}

// Put writes the block into b, which must hold at least BlockSize bytes.
func (u FrameUniforms) Put(b []byte) {
	_ = b[BlockSize-1]
	clear(b[:BlockSize])
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(u.Time))
	binary.LittleEndian.PutUint32(b[16:], math.Float32bits(u.Sensor[0]))
	binary.LittleEndian.PutUint32(b[20:], math.Float32bits(u.Sensor[1]))
	binary.LittleEndian.PutUint32(b[24:], math.Float32bits(u.Sensor[2]))
	binary.LittleEndian.PutUint32(b[28:], math.Float32bits(u.AspectRatio))
}

type member struct {
	typ, name string
}

var blockMembers = []member{
	{"float", "time"},
	{"vec3", "sensor"},
	{"float", "aspect_ratio"},
}

var (
	lineComment  = regexp.MustCompile(`//[^\n]*`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	blockDecl    = regexp.MustCompile(`(?:layout\s*\(([^)]*)\)\s*)?uniform\s+` + BlockName + `\s*\{([^}]*)\}`)
)

// CheckUniformLayout verifies that src declares the frame uniform block with
// the exact member order and types the renderer uploads.
func CheckUniformLayout(src string) error {
	src = blockComment.ReplaceAllString(src, " ")
	src = lineComment.ReplaceAllString(src, "")

	m := blockDecl.FindStringSubmatch(src)
	if m == nil {
		return fmt.Errorf("missing uniform block %s { float time; vec3 sensor; float aspect_ratio; }", BlockName)
	}
	if q := strings.TrimSpace(m[1]); q != "" {
		for _, part := range strings.Split(q, ",") {
			switch strings.TrimSpace(part) {
			case "std140":
			case "packed", "shared", "std430":
				return fmt.Errorf("uniform block %s must use std140 layout, not %s", BlockName, strings.TrimSpace(part))
			}
		}
	}

	var got []member
	for _, decl := range strings.Split(m[2], ";") {
		fields := strings.Fields(decl)
		if len(fields) == 0 {
			continue
		}
		// Precision qualifiers do not change the layout.
		if len(fields) == 3 && isPrecision(fields[0]) {
			fields = fields[1:]
		}
		if len(fields) != 2 {
			return fmt.Errorf("uniform block %s: cannot parse member %q", BlockName, strings.TrimSpace(decl))
		}
		got = append(got, member{fields[0], fields[1]})
	}
	if len(got) != len(blockMembers) {
		return fmt.Errorf("uniform block %s has %d members, want %d", BlockName, len(got), len(blockMembers))
	}
	for i, want := range blockMembers {
		if got[i] != want {
			return fmt.Errorf("uniform block %s member %d is %s %s, want %s %s",
				BlockName, i, got[i].typ, got[i].name, want.typ, want.name)
		}
	}
	return nil
}

func isPrecision(s string) bool {
	return s == "highp" || s == "mediump" || s == "lowp"
}
