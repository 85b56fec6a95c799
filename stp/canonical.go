package stp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// =============================================================================
// 🔏 规范序列化
// =============================================================================
// 校验和与签名的输入必须跨进程逐位一致，encoding/json 对 map 的
// 键序不作保证，所以这里自己写：键按字典序排、零空白、数字统一
// 用 strconv 的 'g' 格式。载荷先经 Marshal/Unmarshal 归一化成
// map/slice/float64 再落盘，Go 侧的具体类型不影响字节串。
// =============================================================================

// canonicalBytes 返回包的规范序列化字节串。覆盖 Checksum 与
// Security 之外的全部字段；时间戳截断到秒并固定为 RFC3339 UTC，
// 亚秒精度不进入契约。
func canonicalBytes(p *Packet) ([]byte, error) {
	view := map[string]any{
		"stp_version":   p.Version,
		"stp_token":     p.Token,
		"stp_timestamp": canonicalTime(p.Timestamp),
		"stp_type":      string(p.Type),
		"stp_metadata":  p.Metadata,
		"payload":       p.Payload,
	}
	raw, err := json.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("canonicalize packet: %w", err)
	}
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return nil, fmt.Errorf("normalize packet: %w", err)
	}

	var buf bytes.Buffer
	writeCanonical(&buf, norm)
	return buf.Bytes(), nil
}

// canonicalTime 固定时间戳的线上表示。
func canonicalTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// writeCanonical 递归写出归一化后的 JSON 值。输入只会是
// json.Unmarshal 产出的六种类型。
func writeCanonical(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeJSONString(buf, t)
	case float64:
		buf.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, e)
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(buf, k)
			buf.WriteByte(':')
			writeCanonical(buf, t[k])
		}
		buf.WriteByte('}')
	}
}

// writeJSONString 复用 encoding/json 的字符串转义，两端一致即可。
func writeJSONString(buf *bytes.Buffer, s string) {
	b, err := json.Marshal(s)
	if err != nil {
		// Marshal 对 string 不会失败；此分支只为保持输出合法
		buf.WriteString(`""`)
		return
	}
	buf.Write(b)
}
