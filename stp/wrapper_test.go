package stp

import (
	"encoding/json"
	"math"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/types"
)

func newTestWrapper(t *testing.T, mutate func(*config.STPConfig)) (*Wrapper, *fakeClock) {
	t.Helper()
	cfg := testSTPConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := newFakeClock(noonUTC())
	w, err := NewWrapper(cfg, clock, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, clock
}

func TestWrap_ProducesVerifiablePacket(t *testing.T) {
	w, _ := newTestWrapper(t, nil)

	pkt, err := w.Wrap(TypeRoutingDecision, map[string]any{"agent": "a"}, Metadata{
		Source: "engine", Destination: "bus",
	})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^stp-[0-9a-f]{32}$`), pkt.Token)
	assert.Len(t, pkt.Checksum, 64)
	assert.Equal(t, "1.0", pkt.Version)
	assert.True(t, pkt.Timestamp.Equal(noonUTC()))
	assert.Nil(t, pkt.Security, "未开签名不带安全块")

	out, err := w.Unwrap(pkt)
	require.NoError(t, err)
	assert.False(t, out.ChecksumFailed)

	s := w.Stats()
	assert.Equal(t, int64(1), s.Wrapped)
	assert.Equal(t, int64(1), s.Unwrapped)
	assert.Zero(t, s.WrapFailures)
	assert.Zero(t, s.UnwrapFailures)
}

func TestWrap_CustomTokenPrefix(t *testing.T) {
	w, _ := newTestWrapper(t, func(c *config.STPConfig) { c.TokenPrefix = "pkt" })

	pkt, err := w.Wrap(TypeHealth, map[string]any{}, Metadata{})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^pkt-[0-9a-f]{32}$`), pkt.Token)
}

func TestWrap_FillsPriorityFromPayload(t *testing.T) {
	w, _ := newTestWrapper(t, nil)

	pkt, err := w.Wrap(TypeRoutingDecision, &types.DecisionRecord{Confidence: 0.95}, Metadata{})
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, pkt.Metadata.Priority)

	pkt, err = w.Wrap(TypeRoutingDecision, &types.DecisionRecord{Confidence: 0.95}, Metadata{Priority: PriorityCritical})
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, pkt.Metadata.Priority, "显式优先级不被覆盖")
}

func TestWrap_RejectsUnknownType(t *testing.T) {
	w, _ := newTestWrapper(t, nil)

	_, err := w.Wrap(PacketType("bogus"), nil, Metadata{})
	require.Error(t, err)
	assert.Equal(t, int64(1), w.Stats().WrapFailures)
}

func TestWrap_UnserializablePayloadFails(t *testing.T) {
	w, _ := newTestWrapper(t, nil)

	_, err := w.Wrap(TypeHealth, map[string]any{"bad": math.NaN()}, Metadata{})
	require.Error(t, err)
	assert.Equal(t, int64(1), w.Stats().WrapFailures)
	assert.Zero(t, w.Stats().Wrapped)
}

func TestWrapOrFallback_DegradesInsteadOfFailing(t *testing.T) {
	w, _ := newTestWrapper(t, nil)

	payload := map[string]any{"bad": math.NaN()}
	pkt := w.WrapOrFallback(TypeHealth, payload, Metadata{Source: "core"})
	require.NotNil(t, pkt)

	assert.Empty(t, pkt.Token, "降级包不带令牌")
	assert.Empty(t, pkt.Checksum)
	assert.Nil(t, pkt.Security)
	assert.Equal(t, TypeHealth, pkt.Type)

	s := w.Stats()
	assert.Equal(t, int64(1), s.FallbackResponses)
	assert.Equal(t, int64(1), s.WrapFailures)

	// 正常封包不走降级
	ok := w.WrapOrFallback(TypeHealth, map[string]any{"fine": true}, Metadata{})
	assert.NotEmpty(t, ok.Token)
	assert.Equal(t, int64(1), w.Stats().FallbackResponses)
}

func TestUnwrap_ChecksumTamperStrict(t *testing.T) {
	w, _ := newTestWrapper(t, nil)

	pkt, err := w.Wrap(TypeFeedback, map[string]any{"v": 1}, Metadata{})
	require.NoError(t, err)
	pkt.Payload = map[string]any{"v": 2}

	_, err = w.Unwrap(pkt)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrIntegrity), "got %v", err)

	s := w.Stats()
	assert.Equal(t, int64(1), s.ChecksumFailures)
	assert.Equal(t, int64(1), s.UnwrapFailures)
	assert.Zero(t, s.Unwrapped)
}

func TestUnwrap_ChecksumTamperLenient(t *testing.T) {
	w, _ := newTestWrapper(t, func(c *config.STPConfig) { c.Mode = config.STPModeLenient })

	pkt, err := w.Wrap(TypeFeedback, map[string]any{"v": 1}, Metadata{})
	require.NoError(t, err)
	pkt.Payload = map[string]any{"v": 2}

	out, err := w.Unwrap(pkt)
	require.NoError(t, err, "宽松模式放行")
	assert.True(t, out.ChecksumFailed, "但要打上标记")
	assert.Equal(t, map[string]any{"v": 2}, out.Payload.(map[string]any))

	s := w.Stats()
	assert.Equal(t, int64(1), s.ChecksumFailures)
	assert.Equal(t, int64(1), s.Unwrapped)
	assert.Zero(t, s.UnwrapFailures)
}

func TestUnwrap_SignedRoundTrip(t *testing.T) {
	w, _ := newTestWrapper(t, func(c *config.STPConfig) {
		c.SigningEnabled = true
		c.SecretKey = "super-secret"
	})

	pkt, err := w.Wrap(TypePolicyUpdate, map[string]any{"delta": 0.1}, Metadata{})
	require.NoError(t, err)
	require.NotNil(t, pkt.Security)
	assert.NotEmpty(t, pkt.Security.Nonce)
	assert.Len(t, pkt.Security.Signature, 64)
	assert.True(t, pkt.Security.Timestamp.Equal(pkt.Timestamp))

	_, err = w.Unwrap(pkt)
	assert.NoError(t, err)
}

func TestUnwrap_SignatureTamper(t *testing.T) {
	w, _ := newTestWrapper(t, func(c *config.STPConfig) {
		c.SigningEnabled = true
		c.SecretKey = "super-secret"
	})

	pkt, err := w.Wrap(TypePolicyUpdate, map[string]any{"delta": 0.1}, Metadata{})
	require.NoError(t, err)
	pkt.Security.Signature = strings.Repeat("ab", 32)

	_, err = w.Unwrap(pkt)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrSignature), "got %v", err)
	assert.Equal(t, int64(1), w.Stats().SignatureFailures)
}

func TestUnwrap_WrongSecretRejected(t *testing.T) {
	sign := func(c *config.STPConfig) {
		c.SigningEnabled = true
		c.SecretKey = "alpha"
	}
	sender, _ := newTestWrapper(t, sign)
	receiver, _ := newTestWrapper(t, func(c *config.STPConfig) {
		c.SigningEnabled = true
		c.SecretKey = "beta"
	})

	pkt, err := sender.Wrap(TypeFeedback, map[string]any{"v": 1}, Metadata{})
	require.NoError(t, err)

	_, err = receiver.Unwrap(pkt)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrSignature), "got %v", err)
}

func TestUnwrap_MissingSignatureRejected(t *testing.T) {
	w, _ := newTestWrapper(t, func(c *config.STPConfig) {
		c.SigningEnabled = true
		c.SecretKey = "super-secret"
	})

	pkt, err := w.Wrap(TypeFeedback, map[string]any{"v": 1}, Metadata{})
	require.NoError(t, err)
	pkt.Security = nil

	_, err = w.Unwrap(pkt)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrSignature), "got %v", err)
}

func TestUnwrap_ReplayRejected(t *testing.T) {
	w, _ := newTestWrapper(t, func(c *config.STPConfig) {
		c.SigningEnabled = true
		c.SecretKey = "super-secret"
	})

	pkt, err := w.Wrap(TypeFeedback, map[string]any{"v": 1}, Metadata{})
	require.NoError(t, err)

	_, err = w.Unwrap(pkt)
	require.NoError(t, err, "首次验包通过")

	_, err = w.Unwrap(pkt)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrReplay), "got %v", err)
	assert.Equal(t, int64(1), w.Stats().ReplaysRejected)
}

func TestUnwrap_DriftWindow(t *testing.T) {
	w, clock := newTestWrapper(t, func(c *config.STPConfig) {
		c.SigningEnabled = true
		c.SecretKey = "super-secret"
	})

	pkt, err := w.Wrap(TypeFeedback, map[string]any{"v": 1}, Metadata{})
	require.NoError(t, err)

	// 漂移恰好等于上限仍然放行
	clock.Advance(5 * time.Second)
	_, err = w.Unwrap(pkt)
	require.NoError(t, err)

	// 超限后即使 nonce 已消费，漂移检查也先于重放挡下
	clock.Advance(time.Second)
	_, err = w.Unwrap(pkt)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrDriftExceeded), "got %v", err)
	assert.Zero(t, w.Stats().ReplaysRejected, "漂移拒收不计入重放计数")
	assert.Equal(t, int64(1), w.Stats().UnwrapFailures)
}

func TestUnwrap_UnsignedSkipsSecurityChecks(t *testing.T) {
	w, clock := newTestWrapper(t, nil)

	pkt, err := w.Wrap(TypeHealth, map[string]any{"v": 1}, Metadata{})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = w.Unwrap(pkt)
	assert.NoError(t, err, "未签名包不做漂移与重放检查")
	_, err = w.Unwrap(pkt)
	assert.NoError(t, err)
}

func TestUnwrap_NilAndUnknownType(t *testing.T) {
	w, _ := newTestWrapper(t, nil)

	_, err := w.Unwrap(nil)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrIntegrity))

	_, err = w.Unwrap(&Packet{Type: PacketType("bogus")})
	require.Error(t, err)
	assert.Equal(t, int64(2), w.Stats().UnwrapFailures)
}

func TestDecode_RoundTripThroughJSON(t *testing.T) {
	w, _ := newTestWrapper(t, func(c *config.STPConfig) {
		c.SigningEnabled = true
		c.SecretKey = "super-secret"
	})

	pkt, err := w.Wrap(TypeRoutingDecision, &types.DecisionRecord{
		DecisionID: "dec-1",
		AgentID:    "agent-a",
		Confidence: 0.87,
		Strategy:   types.StrategyQLearning,
	}, Metadata{Source: "engine"})
	require.NoError(t, err)

	raw, err := json.Marshal(pkt)
	require.NoError(t, err)

	out, err := w.Decode(raw)
	require.NoError(t, err, "结构体载荷解码成 map 后验签必须仍然通过")

	payload, ok := out.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "agent-a", payload["agent_id"])
	assert.Equal(t, 0.87, payload["confidence"])
}

func TestDecode_MalformedBytes(t *testing.T) {
	w, _ := newTestWrapper(t, nil)

	_, err := w.Decode([]byte("{truncated"))
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrIntegrity))
	assert.Equal(t, int64(1), w.Stats().UnwrapFailures)
}

func TestSetSigning_HotToggle(t *testing.T) {
	w, _ := newTestWrapper(t, func(c *config.STPConfig) { c.SecretKey = "configured" })

	pkt, err := w.Wrap(TypeHealth, map[string]any{}, Metadata{})
	require.NoError(t, err)
	assert.Nil(t, pkt.Security)

	require.NoError(t, w.SetSigning(true))
	assert.True(t, w.SigningEnabled())

	pkt, err = w.Wrap(TypeHealth, map[string]any{}, Metadata{})
	require.NoError(t, err)
	assert.NotNil(t, pkt.Security, "开关打开后立即生效")

	require.NoError(t, w.SetSigning(false))
	pkt, err = w.Wrap(TypeHealth, map[string]any{}, Metadata{})
	require.NoError(t, err)
	assert.Nil(t, pkt.Security)
}

func TestSetSigning_RequiresSecret(t *testing.T) {
	w, _ := newTestWrapper(t, nil) // 无密钥

	err := w.SetSigning(true)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrConfig))
	assert.False(t, w.SigningEnabled())
}

func TestNewWrapper_Validation(t *testing.T) {
	_, err := NewWrapper(config.STPConfig{Mode: "weird"}, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrConfig))

	_, err = NewWrapper(config.STPConfig{SigningEnabled: true}, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrConfig), "开签名必须有密钥")

	w, err := NewWrapper(config.STPConfig{}, nil, nil, nil)
	require.NoError(t, err, "零值配置全部回落默认")
	defer w.Close()
	s := w.Stats()
	assert.Equal(t, config.STPModeStrict, s.Mode)
	assert.False(t, s.SigningEnabled)
}

func TestNonceStore_SurvivesWrapperRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces.log")
	clock := newFakeClock(noonUTC())
	cfg := testSTPConfig()
	cfg.SigningEnabled = true
	cfg.SecretKey = "super-secret"
	cfg.NoncePath = path

	w1, err := NewWrapper(cfg, clock, nil, nil)
	require.NoError(t, err)

	pkt, err := w1.Wrap(TypeFeedback, map[string]any{"v": 1}, Metadata{})
	require.NoError(t, err)
	_, err = w1.Unwrap(pkt)
	require.NoError(t, err)
	require.NoError(t, w1.Close())

	w2, err := NewWrapper(cfg, clock, nil, nil)
	require.NoError(t, err)
	defer w2.Close()

	_, err = w2.Unwrap(pkt)
	require.Error(t, err, "重启后重放同一包必须被拒")
	assert.True(t, types.IsErrorCode(err, types.ErrReplay), "got %v", err)
}

func TestAlerts_EscalateAndRearm(t *testing.T) {
	w, _ := newTestWrapper(t, nil)

	var hookCalls []AlertLevel
	w.SetAlertHook(func(a Alert) { hookCalls = append(hookCalls, a.Level) })

	wrapOK := func(n int) {
		for i := 0; i < n; i++ {
			_, err := w.Wrap(TypeHealth, map[string]any{}, Metadata{})
			require.NoError(t, err)
		}
	}
	failOnce := func() { _, _ = w.Unwrap(nil) }

	// 8 成功 + 2 失败：第 10 次操作时失败率 0.2，升到 warning
	wrapOK(8)
	failOnce()
	require.Empty(t, w.Alerts(), "不足最小样本量不评估")
	failOnce()

	alerts := w.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertWarning, alerts[0].Level)
	assert.InDelta(t, 0.2, alerts[0].Rate, 1e-9)

	// 第 3 次失败：3/11 ≈ 0.27，升到 critical
	failOnce()
	alerts = w.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertCritical, alerts[1].Level)

	// 持续失败不重复告警
	failOnce()
	assert.Len(t, w.Alerts(), 2)

	// 大量成功把失败率压回阈值之下，水位复位
	wrapOK(38)
	assert.Len(t, w.Alerts(), 2)

	// 再次越过 warning 阈值要重新告警；5/51 仍在阈值下，6/52 越线
	failOnce()
	assert.Len(t, w.Alerts(), 2)
	failOnce()
	alerts = w.Alerts()
	require.Len(t, alerts, 3)
	assert.Equal(t, AlertWarning, alerts[2].Level)

	assert.Equal(t, []AlertLevel{AlertWarning, AlertCritical, AlertWarning}, hookCalls)
}

func TestStats_FailureRate(t *testing.T) {
	w, _ := newTestWrapper(t, nil)
	assert.Zero(t, w.Stats().FailureRate, "无操作时失败率为 0")

	_, err := w.Wrap(TypeHealth, map[string]any{}, Metadata{})
	require.NoError(t, err)
	_, _ = w.Unwrap(nil)
	_, _ = w.Unwrap(nil)

	// 1 成功 + 2 失败 → 2/3
	assert.InDelta(t, 2.0/3.0, w.Stats().FailureRate, 1e-9)
}
