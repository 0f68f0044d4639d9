package prediction

import (
	"fmt"
	"time"

	"github.com/l1jgo/netplay/internal/geom"
	"github.com/l1jgo/netplay/internal/net/packet"
)

// EncodeInput builds the payload of an input packet. Extra keys are
// carried alongside and never override the fixed fields.
func EncodeInput(in Input) map[string]any {
	m := make(map[string]any, 5+len(in.Extra))
	for k, v := range in.Extra {
		m[k] = v
	}
	m["seq"] = in.Seq
	m["x"] = in.Vector.X
	m["y"] = in.Vector.Y
	m["dt"] = in.DT
	m["ts"] = in.Timestamp.UnixMilli()
	return m
}

// DecodeInput is the inverse of EncodeInput. Extra keys are not restored.
func DecodeInput(payload map[string]any) (Input, error) {
	seq, err := packet.UintField(payload, "seq")
	if err != nil {
		return Input{}, fmt.Errorf("decode input: %w", err)
	}
	var vals [3]float64
	for i, key := range []string{"x", "y", "dt"} {
		if vals[i], err = packet.FloatField(payload, key); err != nil {
			return Input{}, fmt.Errorf("decode input %d: %w", seq, err)
		}
	}
	in := Input{Seq: seq, Vector: geom.V(vals[0], vals[1]), DT: vals[2]}
	if ms, err := packet.UintField(payload, "ts"); err == nil {
		in.Timestamp = time.UnixMilli(int64(ms))
	}
	return in, nil
}
