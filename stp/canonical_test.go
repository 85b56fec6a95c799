package stp

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentroute/types"
)

func pinnedPacket() *Packet {
	return &Packet{
		Version:   "1.0",
		Token:     "stp-00112233445566778899aabbccddeeff",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Type:      TypeHealth,
		Metadata: Metadata{
			Source:      "core",
			Destination: "bus",
			Priority:    PriorityNormal,
			RequiresAck: false,
		},
		Payload: map[string]any{"b": 1.5, "a": "x", "n": 3},
	}
}

// 规范形式是格式契约，这里钉死完整字节串：键按字典序、零空白、
// 数字走 'g' 格式、时间戳 RFC3339 UTC。
func TestCanonicalBytes_GoldenForm(t *testing.T) {
	got, err := canonicalBytes(pinnedPacket())
	require.NoError(t, err)

	want := `{"payload":{"a":"x","b":1.5,"n":3},` +
		`"stp_metadata":{"destination":"bus","priority":"normal","requires_ack":false,"source":"core"},` +
		`"stp_timestamp":"2026-03-01T12:00:00Z",` +
		`"stp_token":"stp-00112233445566778899aabbccddeeff",` +
		`"stp_type":"health",` +
		`"stp_version":"1.0"}`
	assert.Equal(t, want, string(got))
}

func TestCanonicalBytes_Deterministic(t *testing.T) {
	p := pinnedPacket()
	first, err := canonicalBytes(p)
	require.NoError(t, err)
	second, err := canonicalBytes(p)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// 载荷在 Go 侧是结构体还是解码后的 map，规范字节串必须一致，
// 否则跨进程验签必挂。
func TestCanonicalBytes_StructAndMapPayloadAgree(t *testing.T) {
	rec := &types.DecisionRecord{
		DecisionID: "dec-1",
		RequestID:  "req-1",
		InputType:  "text",
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		AgentID:    "agent-a",
		Confidence: 0.87,
		Strategy:   types.StrategyQLearning,
		State:      "v1:complexity:high|input_type:text",
	}

	asStruct := pinnedPacket()
	asStruct.Payload = rec

	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	asMap := pinnedPacket()
	asMap.Payload = decoded

	fromStruct, err := canonicalBytes(asStruct)
	require.NoError(t, err)
	fromMap, err := canonicalBytes(asMap)
	require.NoError(t, err)
	assert.Equal(t, string(fromStruct), string(fromMap))
}

func TestCanonicalBytes_SubsecondIgnored(t *testing.T) {
	a := pinnedPacket()
	b := pinnedPacket()
	b.Timestamp = b.Timestamp.Add(999 * time.Millisecond)

	ca, err := canonicalBytes(a)
	require.NoError(t, err)
	cb, err := canonicalBytes(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb, "同一秒内的亚秒差异不进契约")
}

func TestCanonicalBytes_NumberFormatting(t *testing.T) {
	cases := []struct {
		val  float64
		frag string
	}{
		{1.0, `"v":1`},
		{0.5, `"v":0.5`},
		{-0.25, `"v":-0.25`},
		{1e6, `"v":1e+06`},
		{1e-5, `"v":1e-05`},
	}
	for _, tc := range cases {
		p := pinnedPacket()
		p.Payload = map[string]any{"v": tc.val}
		got, err := canonicalBytes(p)
		require.NoError(t, err)
		assert.Contains(t, string(got), tc.frag, "value %v", tc.val)
	}
}

func TestCanonicalBytes_NestedStructures(t *testing.T) {
	p := pinnedPacket()
	p.Payload = map[string]any{
		"list":  []any{1, "two", nil, true},
		"inner": map[string]any{"z": map[string]any{"k": false}, "a": []any{}},
	}
	got, err := canonicalBytes(p)
	require.NoError(t, err)
	assert.Contains(t, string(got), `"inner":{"a":[],"z":{"k":false}}`)
	assert.Contains(t, string(got), `"list":[1,"two",null,true]`)
}

func TestCanonicalBytes_RejectsUnserializablePayload(t *testing.T) {
	p := pinnedPacket()
	p.Payload = map[string]any{"bad": math.NaN()}
	_, err := canonicalBytes(p)
	assert.Error(t, err)

	p.Payload = map[string]any{"ch": make(chan int)}
	_, err = canonicalBytes(p)
	assert.Error(t, err)
}
