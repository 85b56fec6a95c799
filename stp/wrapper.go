package stp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/internal/ident"
	"github.com/BaSui01/agentroute/internal/metrics"
	"github.com/BaSui01/agentroute/types"
)

// =============================================================================
// 🔐 封包与验包
// =============================================================================

const (
	// 整体失败率告警阈值
	warningFailureRate  = 0.10
	criticalFailureRate = 0.25
	// 告警评估的最小操作数，避免冷启动头几次失败被当成趋势
	minAlertOps = 10
	// 告警记录保留条数
	maxAlerts = 32
)

// AlertLevel 告警级别。
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert 一条失败率告警记录。
type Alert struct {
	Level      AlertLevel `json:"level"`
	Rate       float64    `json:"rate"`
	Operations int64      `json:"operations"`
	Failures   int64      `json:"failures"`
	At         time.Time  `json:"at"`
}

// Stats 包络运行计数快照。
type Stats struct {
	Wrapped           int64   `json:"wrapped"`
	Unwrapped         int64   `json:"unwrapped"`
	WrapFailures      int64   `json:"wrap_failures"`
	UnwrapFailures    int64   `json:"unwrap_failures"`
	ChecksumFailures  int64   `json:"checksum_failures"`
	SignatureFailures int64   `json:"signature_failures"`
	ReplaysRejected   int64   `json:"replays_rejected"`
	FallbackResponses int64   `json:"fallback_responses"`
	FailureRate       float64 `json:"failure_rate"`
	SigningEnabled    bool    `json:"signing_enabled"`
	Mode              string  `json:"mode"`
	NonceWindow       int     `json:"nonce_window"`
}

// Wrapper 负责封包、验包与签名。签名开关可在运行期热切换；
// 严格 / 宽松校验模式在构造时定死。
type Wrapper struct {
	version  string
	prefix   string
	secret   []byte
	strict   bool
	maxDrift time.Duration

	signing atomic.Bool
	replay  *replayGuard

	wrapped           atomic.Int64
	unwrapped         atomic.Int64
	wrapFailures      atomic.Int64
	unwrapFailures    atomic.Int64
	checksumFailures  atomic.Int64
	signatureFailures atomic.Int64
	replaysRejected   atomic.Int64
	fallbacks         atomic.Int64

	alertMu   sync.Mutex
	alerts    []Alert
	lastLevel AlertLevel
	onAlert   func(Alert)

	clock   ident.Clock
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewWrapper 创建包络。签名开启但密钥为空直接拒绝；
// nonce 持久化文件不可用同样在此失败，不进运行期。
func NewWrapper(cfg config.STPConfig, clock ident.Clock, m *metrics.Collector, logger *zap.Logger) (*Wrapper, error) {
	if cfg.Version == "" {
		cfg.Version = "1.0"
	}
	if cfg.TokenPrefix == "" {
		cfg.TokenPrefix = "stp"
	}
	if cfg.Mode == "" {
		cfg.Mode = config.STPModeStrict
	}
	if cfg.Mode != config.STPModeStrict && cfg.Mode != config.STPModeLenient {
		return nil, types.NewError(types.ErrConfig, fmt.Sprintf("unknown stp mode %q", cfg.Mode))
	}
	if cfg.SigningEnabled && cfg.SecretKey == "" {
		return nil, types.NewError(types.ErrConfig, "stp signing enabled without secret key")
	}
	if cfg.MaxDrift <= 0 {
		cfg.MaxDrift = 5 * time.Second
	}
	if cfg.ReplayCapacity <= 0 {
		cfg.ReplayCapacity = 100_000
	}
	if clock == nil {
		clock = ident.SystemClock{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	guard, err := newReplayGuard(cfg.ReplayCapacity, cfg.NoncePath, logger)
	if err != nil {
		return nil, types.NewError(types.ErrConfig, "nonce store unusable").WithCause(err)
	}

	w := &Wrapper{
		version:  cfg.Version,
		prefix:   cfg.TokenPrefix,
		secret:   []byte(cfg.SecretKey),
		strict:   cfg.Mode == config.STPModeStrict,
		maxDrift: cfg.MaxDrift,
		replay:   guard,
		clock:    clock,
		metrics:  m,
		logger:   logger.With(zap.String("component", "stp")),
	}
	w.signing.Store(cfg.SigningEnabled)
	return w, nil
}

// Wrap 封包：发令牌、打时间戳、算校验和，签名开启时附加
// nonce 与 HMAC。meta.Priority 留空则按载荷内容自动选择。
func (w *Wrapper) Wrap(t PacketType, payload any, meta Metadata) (*Packet, error) {
	if !t.Valid() {
		return nil, w.wrapFail(types.NewError(types.ErrInternal, fmt.Sprintf("unknown packet type %q", t)))
	}
	token, err := ident.NewToken(w.prefix)
	if err != nil {
		return nil, w.wrapFail(types.NewError(types.ErrInternal, "token generation failed").WithCause(err))
	}
	if meta.Priority == "" {
		meta.Priority = PriorityFor(t, payload)
	}

	pkt := &Packet{
		Version:   w.version,
		Token:     token,
		Timestamp: w.clock.Now().UTC().Truncate(time.Second),
		Type:      t,
		Metadata:  meta,
		Payload:   payload,
	}
	canonical, err := canonicalBytes(pkt)
	if err != nil {
		return nil, w.wrapFail(types.NewError(types.ErrInternal, "payload not serializable").WithCause(err))
	}
	sum := sha256.Sum256(canonical)
	pkt.Checksum = hex.EncodeToString(sum[:])

	if w.signing.Load() {
		nonce, err := ident.NewNonce()
		if err != nil {
			return nil, w.wrapFail(types.NewError(types.ErrInternal, "nonce generation failed").WithCause(err))
		}
		pkt.Security = &SecurityBlock{
			Nonce:     nonce,
			Timestamp: pkt.Timestamp,
			Signature: w.sign(canonical),
		}
	}

	w.wrapped.Add(1)
	w.metrics.RecordSTP("wrap", "ok")
	w.noteOutcome()
	return pkt, nil
}

// WrapOrFallback 封包失败时退化为不带令牌、校验和与签名的裸包，
// 遥测流不因包络故障中断。降级以独立计数与指标暴露。
func (w *Wrapper) WrapOrFallback(t PacketType, payload any, meta Metadata) *Packet {
	pkt, err := w.Wrap(t, payload, meta)
	if err == nil {
		return pkt
	}
	w.fallbacks.Add(1)
	w.metrics.RecordSTPFallback()
	w.logger.Warn("wrap failed, emitting fallback packet",
		zap.String("type", string(t)),
		zap.Error(err))
	if meta.Priority == "" {
		meta.Priority = PriorityFor(t, payload)
	}
	return &Packet{
		Version:   w.version,
		Timestamp: w.clock.Now().UTC().Truncate(time.Second),
		Type:      t,
		Metadata:  meta,
		Payload:   payload,
	}
}

// Unwrap 验包。验证顺序固定：漂移、重放、签名、校验和。
// 严格模式下任何不符都拒收；宽松模式只放过校验和不符，
// 打上 ChecksumFailed 标记后返回载荷。
func (w *Wrapper) Unwrap(p *Packet) (*Packet, error) {
	if p == nil {
		return nil, w.unwrapFail("integrity", types.NewError(types.ErrIntegrity, "nil packet"))
	}
	if !p.Type.Valid() {
		return nil, w.unwrapFail("integrity", types.NewError(types.ErrIntegrity, fmt.Sprintf("unknown packet type %q", p.Type)))
	}
	canonical, err := canonicalBytes(p)
	if err != nil {
		return nil, w.unwrapFail("integrity", types.NewError(types.ErrIntegrity, "packet not canonicalizable").WithCause(err))
	}

	if w.signing.Load() {
		if p.Security == nil || p.Security.Nonce == "" || p.Security.Signature == "" {
			w.signatureFailures.Add(1)
			return nil, w.unwrapFail("signature", types.NewError(types.ErrSignature, "signature required but absent"))
		}
		drift := w.clock.Now().Sub(p.Timestamp)
		if drift < 0 {
			drift = -drift
		}
		if drift > w.maxDrift {
			return nil, w.unwrapFail("drift", types.NewError(types.ErrDriftExceeded,
				fmt.Sprintf("timestamp drift %s exceeds %s", drift, w.maxDrift)))
		}
		if !w.replay.remember(p.Security.Nonce) {
			w.replaysRejected.Add(1)
			return nil, w.unwrapFail("replay", types.NewError(types.ErrReplay, "nonce already seen"))
		}
		if !w.verifySignature(canonical, p.Security.Signature) {
			w.signatureFailures.Add(1)
			return nil, w.unwrapFail("signature", types.NewError(types.ErrSignature, "signature mismatch"))
		}
	}

	sum := sha256.Sum256(canonical)
	checksumOK := hex.EncodeToString(sum[:]) == p.Checksum
	if !checksumOK {
		w.checksumFailures.Add(1)
		if w.strict {
			return nil, w.unwrapFail("integrity", types.NewError(types.ErrIntegrity, "checksum mismatch"))
		}
		p.ChecksumFailed = true
		w.logger.Warn("checksum mismatch tolerated in lenient mode",
			zap.String("token", p.Token),
			zap.String("type", string(p.Type)))
	}

	w.unwrapped.Add(1)
	if checksumOK {
		w.metrics.RecordSTP("unwrap", "ok")
	} else {
		w.metrics.RecordSTP("unwrap", "checksum_tolerated")
	}
	w.noteOutcome()
	return p, nil
}

// Decode 反序列化并验包，入站字节流的唯一入口。
func (w *Wrapper) Decode(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, w.unwrapFail("malformed", types.NewError(types.ErrIntegrity, "malformed packet").WithCause(err))
	}
	return w.Unwrap(&p)
}

// SetSigning 热切换签名开关。开启要求密钥已配置。
func (w *Wrapper) SetSigning(enabled bool) error {
	if enabled && len(w.secret) == 0 {
		return types.NewError(types.ErrConfig, "signing requires a secret key")
	}
	if w.signing.Swap(enabled) != enabled {
		w.logger.Info("signing toggled", zap.Bool("enabled", enabled))
	}
	return nil
}

// SigningEnabled 返回签名开关当前状态。
func (w *Wrapper) SigningEnabled() bool { return w.signing.Load() }

// Stats 返回计数快照。
func (w *Wrapper) Stats() Stats {
	mode := config.STPModeStrict
	if !w.strict {
		mode = config.STPModeLenient
	}
	s := Stats{
		Wrapped:           w.wrapped.Load(),
		Unwrapped:         w.unwrapped.Load(),
		WrapFailures:      w.wrapFailures.Load(),
		UnwrapFailures:    w.unwrapFailures.Load(),
		ChecksumFailures:  w.checksumFailures.Load(),
		SignatureFailures: w.signatureFailures.Load(),
		ReplaysRejected:   w.replaysRejected.Load(),
		FallbackResponses: w.fallbacks.Load(),
		SigningEnabled:    w.signing.Load(),
		Mode:              mode,
		NonceWindow:       w.replay.seenCount(),
	}
	s.FailureRate = failureRate(s.Wrapped, s.Unwrapped, s.WrapFailures, s.UnwrapFailures)
	return s
}

// Alerts 返回告警记录副本，新的在后。
func (w *Wrapper) Alerts() []Alert {
	w.alertMu.Lock()
	defer w.alertMu.Unlock()
	out := make([]Alert, len(w.alerts))
	copy(out, w.alerts)
	return out
}

// SetAlertHook 注册告警回调。回调在告警升级时同步执行，
// 耗时逻辑请自行异步。
func (w *Wrapper) SetAlertHook(fn func(Alert)) {
	w.alertMu.Lock()
	w.onAlert = fn
	w.alertMu.Unlock()
}

// Close 关闭 nonce 持久化句柄。
func (w *Wrapper) Close() error {
	return w.replay.close()
}

func (w *Wrapper) sign(canonical []byte) string {
	mac := hmac.New(sha256.New, w.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

func (w *Wrapper) verifySignature(canonical []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, w.secret)
	mac.Write(canonical)
	return hmac.Equal(mac.Sum(nil), got)
}

func (w *Wrapper) wrapFail(err error) error {
	w.wrapFailures.Add(1)
	w.metrics.RecordSTP("wrap", "error")
	w.noteOutcome()
	return err
}

func (w *Wrapper) unwrapFail(result string, err error) error {
	w.unwrapFailures.Add(1)
	w.metrics.RecordSTP("unwrap", result)
	w.noteOutcome()
	return err
}

func failureRate(wrapped, unwrapped, wrapFailures, unwrapFailures int64) float64 {
	ops := wrapped + unwrapped + wrapFailures + unwrapFailures
	if ops == 0 {
		return 0
	}
	return float64(wrapFailures+unwrapFailures) / float64(ops)
}

// noteOutcome 在每次操作后评估整体失败率。级别升高记一条告警
// 并触发回调；回落只复位水位，不记录。
func (w *Wrapper) noteOutcome() {
	wrapped := w.wrapped.Load()
	unwrapped := w.unwrapped.Load()
	wrapFails := w.wrapFailures.Load()
	unwrapFails := w.unwrapFailures.Load()
	ops := wrapped + unwrapped + wrapFails + unwrapFails
	if ops < minAlertOps {
		return
	}
	rate := failureRate(wrapped, unwrapped, wrapFails, unwrapFails)

	var level AlertLevel
	switch {
	case rate >= criticalFailureRate:
		level = AlertCritical
	case rate >= warningFailureRate:
		level = AlertWarning
	}

	w.alertMu.Lock()
	if level == w.lastLevel {
		w.alertMu.Unlock()
		return
	}
	escalated := alertRank(level) > alertRank(w.lastLevel)
	w.lastLevel = level
	var alert Alert
	var hook func(Alert)
	if escalated {
		alert = Alert{
			Level:      level,
			Rate:       rate,
			Operations: ops,
			Failures:   wrapFails + unwrapFails,
			At:         w.clock.Now().UTC(),
		}
		w.alerts = append(w.alerts, alert)
		if len(w.alerts) > maxAlerts {
			w.alerts = w.alerts[len(w.alerts)-maxAlerts:]
		}
		hook = w.onAlert
	}
	w.alertMu.Unlock()

	if escalated {
		w.logger.Warn("stp failure rate alert",
			zap.String("level", string(level)),
			zap.Float64("rate", rate),
			zap.Int64("operations", ops))
		if hook != nil {
			hook(alert)
		}
	}
}

func alertRank(l AlertLevel) int {
	switch l {
	case AlertWarning:
		return 1
	case AlertCritical:
		return 2
	default:
		return 0
	}
}
