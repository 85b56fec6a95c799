// =============================================================================
// 📦 测试数据工厂 - 决策记录与遥测包
// =============================================================================
package fixtures

import (
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/internal/ident"
	"github.com/BaSui01/agentroute/internal/metrics"
	"github.com/BaSui01/agentroute/stp"
	"github.com/BaSui01/agentroute/types"
)

// TestSecret 测试用 HMAC 签名密钥。
const TestSecret = "fixture-secret-key"

// Decision 返回一条填好的决策记录。
func Decision(decisionID, agentID string) *types.DecisionRecord {
	return &types.DecisionRecord{
		DecisionID: decisionID,
		RequestID:  "req-" + decisionID,
		InputType:  "text",
		Timestamp:  time.Now(),
		AgentID:    agentID,
		Confidence: 0.75,
		Strategy:   types.StrategyQLearning,
		State:      "v1:complexity:medium|domain:general|input_type:text|load:low|time:morning",
	}
}

// MustWrapper 返回严格模式的测试包络器，signing 控制是否启用 HMAC 签名。
// 构造失败直接 panic。
func MustWrapper(signing bool) *stp.Wrapper {
	cfg := config.DefaultSTPConfig()
	cfg.SecretKey = TestSecret
	cfg.SigningEnabled = signing

	w, err := stp.NewWrapper(cfg, ident.SystemClock{}, metrics.Nop(), zap.NewNop())
	if err != nil {
		panic(err)
	}
	return w
}

// DecisionPacket 返回包着决策记录的遥测包（未签名）。
func DecisionPacket(decisionID, agentID string) *stp.Packet {
	w := MustWrapper(false)
	defer w.Close()

	pkt, err := w.Wrap(stp.TypeRoutingDecision, Decision(decisionID, agentID), stp.Metadata{
		Source:      "fixtures",
		Destination: "telemetry",
	})
	if err != nil {
		panic(err)
	}
	return pkt
}
