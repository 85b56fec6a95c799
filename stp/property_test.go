package stp

import (
	"bytes"
	"encoding/json"
	"testing"

	"pgregory.net/rapid"
)

// jsonScalar 生成规范形式要处理的四种标量。
func jsonScalar() *rapid.Generator[any] {
	return rapid.Custom(func(t *rapid.T) any {
		switch rapid.IntRange(0, 3).Draw(t, "scalar_kind") {
		case 0:
			return rapid.StringMatching(`[a-zA-Z0-9 _\-/]{0,12}`).Draw(t, "str")
		case 1:
			return rapid.Float64Range(-1e9, 1e9).Draw(t, "num")
		case 2:
			return rapid.Bool().Draw(t, "flag")
		default:
			return nil
		}
	})
}

// jsonValue 按深度递归生成嵌套的 map/slice/标量组合。
func jsonValue(depth int) *rapid.Generator[any] {
	return rapid.Custom(func(t *rapid.T) any {
		if depth <= 0 {
			return jsonScalar().Draw(t, "leaf")
		}
		switch rapid.IntRange(0, 2).Draw(t, "kind") {
		case 0:
			return jsonScalar().Draw(t, "leaf")
		case 1:
			n := rapid.IntRange(0, 4).Draw(t, "arr_len")
			arr := make([]any, n)
			for i := range arr {
				arr[i] = jsonValue(depth-1).Draw(t, "elem")
			}
			return arr
		default:
			n := rapid.IntRange(0, 4).Draw(t, "map_size")
			m := make(map[string]any, n)
			for i := 0; i < n; i++ {
				k := rapid.StringMatching(`[a-z_]{1,8}`).Draw(t, "key")
				m[k] = jsonValue(depth-1).Draw(t, "val")
			}
			return m
		}
	})
}

// 属性：任意载荷的规范形式自身稳定，且经过 JSON 编解码一轮后
// 字节串不变。这是跨进程校验和一致的前提。
func TestCanonicalStableAcrossCodecProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := jsonValue(3).Draw(t, "payload")
		p := pinnedPacket()
		p.Payload = payload

		first, err := canonicalBytes(p)
		if err != nil {
			t.Fatalf("canonical: %v", err)
		}
		second, err := canonicalBytes(p)
		if err != nil {
			t.Fatalf("canonical repeat: %v", err)
		}
		if !bytes.Equal(first, second) {
			t.Fatalf("canonical unstable:\n%s\n%s", first, second)
		}

		raw, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var decoded Packet
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		after, err := canonicalBytes(&decoded)
		if err != nil {
			t.Fatalf("canonical after codec: %v", err)
		}
		if !bytes.Equal(first, after) {
			t.Fatalf("codec round trip changed canonical form:\n%s\n%s", first, after)
		}
	})
}

// 属性：封包后立即验包永远成功，校验和必为 64 位十六进制。
func TestWrapUnwrapRoundTripProperty(t *testing.T) {
	cfg := testSTPConfig()
	cfg.SigningEnabled = true
	cfg.SecretKey = "prop-secret"
	clock := newFakeClock(noonUTC())
	w, err := NewWrapper(cfg, clock, nil, nil)
	if err != nil {
		t.Fatalf("wrapper: %v", err)
	}
	defer w.Close()

	packetTypes := []PacketType{TypeRoutingDecision, TypeFeedback, TypePolicyUpdate, TypeHealth}

	rapid.Check(t, func(t *rapid.T) {
		payload := jsonValue(2).Draw(t, "payload")
		pt := rapid.SampledFrom(packetTypes).Draw(t, "type")

		pkt, err := w.Wrap(pt, map[string]any{"data": payload}, Metadata{Source: "prop"})
		if err != nil {
			t.Fatalf("wrap: %v", err)
		}
		if len(pkt.Checksum) != 64 {
			t.Fatalf("checksum length = %d", len(pkt.Checksum))
		}
		if _, err := w.Unwrap(pkt); err != nil {
			t.Fatalf("unwrap: %v", err)
		}
	})
}

// 属性：重放窗口与「保留最近 capacity 个」的参照模型逐步一致，
// nonce 在窗口内绝不二次通过。
func TestReplayWindowMatchesModelProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(2, 16).Draw(t, "capacity")
		g, err := newReplayGuard(capacity, "", nil)
		if err != nil {
			t.Fatalf("guard: %v", err)
		}

		var window []string // 参照模型，新在前
		draws := rapid.IntRange(1, 64).Draw(t, "draws")
		for i := 0; i < draws; i++ {
			// 刻意收窄取值空间制造碰撞
			nonce := rapid.StringMatching(`n[0-9]`).Draw(t, "nonce")

			inWindow := false
			for _, seen := range window {
				if seen == nonce {
					inWindow = true
					break
				}
			}

			got := g.remember(nonce)
			if got == inWindow {
				t.Fatalf("remember(%q) = %v, model says in-window = %v", nonce, got, inWindow)
			}
			if got {
				window = append([]string{nonce}, window...)
				if len(window) > capacity {
					window = window[:capacity]
				}
			}
			if g.seenCount() != len(window) {
				t.Fatalf("window size %d, model size %d", g.seenCount(), len(window))
			}
		}
	})
}
