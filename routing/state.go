package routing

import (
	"sort"
	"strings"

	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/internal/ident"
)

// =============================================================================
// 🗺️ 决策状态编码
// =============================================================================

// SchemaTag 状态键的版本标签。编码维度变更时必须同步递增，
// 旧标签的 Q 表条目保持可读但不参与新决策。
const SchemaTag = "v1"

// 状态键默认档位。
const (
	defaultComplexity = "medium"
	defaultDomain     = "general"
)

// EncoderInput 编码一个决策状态所需的观测值。
type EncoderInput struct {
	// InputType 请求的输入类型标签
	InputType string
	// Context 请求上下文，读取 complexity 与 domain 两个键
	Context map[string]string
	// InFlight 全局聚合在途计数，决定负载档位
	InFlight int
}

// StateEncoder 把请求上下文压缩成规范状态键。
//
// 输出形如 v1:complexity:medium|domain:general|input_type:text|load:low|time:morning，
// 片段按键名字典序排列，同一上下文在任何进程里编码结果一致。
type StateEncoder struct {
	softCap int
	hardCap int
	clock   ident.Clock
}

// NewStateEncoder 创建状态编码器。负载档位阈值复用评分配置的
// 软硬在途上限，不引入独立旋钮。
func NewStateEncoder(cfg config.ScoringConfig, clock ident.Clock) *StateEncoder {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	soft, hard := cfg.SoftCapInFlight, cfg.HardCapInFlight
	if soft <= 0 {
		soft = 10
	}
	if hard <= soft {
		hard = soft * 5
	}
	return &StateEncoder{softCap: soft, hardCap: hard, clock: clock}
}

// Encode 生成规范状态键。
func (e *StateEncoder) Encode(in EncoderInput) string {
	complexity := in.Context["complexity"]
	if complexity == "" {
		complexity = defaultComplexity
	}
	domain := in.Context["domain"]
	if domain == "" {
		domain = defaultDomain
	}
	inputType := in.InputType
	if inputType == "" {
		inputType = "unknown"
	}

	pairs := []string{
		"complexity:" + complexity,
		"domain:" + domain,
		"input_type:" + inputType,
		"load:" + e.loadBucket(in.InFlight),
		"time:" + timeBucket(e.clock.Now().Hour()),
	}
	sort.Strings(pairs)
	return SchemaTag + ":" + strings.Join(pairs, "|")
}

// loadBucket 聚合在途计数映射到负载档位。
func (e *StateEncoder) loadBucket(inFlight int) string {
	switch {
	case inFlight < e.softCap:
		return "low"
	case inFlight >= e.hardCap:
		return "high"
	default:
		return "medium"
	}
}

// timeBucket 小时映射到时段档位。
func timeBucket(hour int) string {
	switch {
	case hour >= 5 && hour <= 11:
		return "morning"
	case hour >= 12 && hour <= 16:
		return "afternoon"
	case hour >= 17 && hour <= 21:
		return "evening"
	default:
		return "night"
	}
}
