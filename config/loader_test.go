// 配置加载器与校验测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentroute/types"
)

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 0.30, cfg.Scoring.RuleWeight)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

scoring:
  rule_weight: 0.25
  feedback_weight: 0.40
  availability_weight: 0.20
  karma_weight: 0.15
  alternatives: 5

learning:
  epsilon_start: 0.2
  save_interval: 2m

stp:
  mode: "lenient"
  signing_enabled: true
  secret_key: "s3cret"

bus:
  buffer_size: 64
  max_subscribers: 7

log:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0o644)
	require.NoError(t, err)

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// YAML 值覆盖默认值
	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, 0.25, cfg.Scoring.RuleWeight)
	assert.Equal(t, 0.40, cfg.Scoring.FeedbackWeight)
	assert.Equal(t, 5, cfg.Scoring.Alternatives)

	assert.Equal(t, 0.2, cfg.Learning.EpsilonStart)
	assert.Equal(t, 2*time.Minute, cfg.Learning.SaveInterval)

	assert.Equal(t, STPModeLenient, cfg.STP.Mode)
	assert.True(t, cfg.STP.SigningEnabled)

	assert.Equal(t, 64, cfg.Bus.BufferSize)
	assert.Equal(t, 7, cfg.Bus.MaxSubscribers)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// 未触及的部分仍是默认值
	assert.Equal(t, 0.1, cfg.Scoring.MinConfidence)
	assert.Equal(t, 10, cfg.Learning.SaveThreshold)
}

func TestLoader_UnknownKeyRejected(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
scoring:
  rule_weight: 0.30
  no_such_knob: true
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_knob")
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTROUTE_SCORING_RULE_WEIGHT", "0.40")
	t.Setenv("AGENTROUTE_SCORING_FEEDBACK_WEIGHT", "0.25")
	t.Setenv("AGENTROUTE_LEARNING_SAVE_INTERVAL", "90s")
	t.Setenv("AGENTROUTE_BUS_MAX_SUBSCRIBERS", "11")
	t.Setenv("AGENTROUTE_LOG_OUTPUT_PATHS", "stdout, /tmp/agentroute.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 0.40, cfg.Scoring.RuleWeight)
	assert.Equal(t, 0.25, cfg.Scoring.FeedbackWeight)
	assert.Equal(t, 90*time.Second, cfg.Learning.SaveInterval)
	assert.Equal(t, 11, cfg.Bus.MaxSubscribers)
	assert.Equal(t, []string{"stdout", "/tmp/agentroute.log"}, cfg.Log.OutputPaths)
}

func TestValidate_WeightSum(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scoring.RuleWeight = 0.50 // sum now 1.20

	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "sum to 1.0")
}

func TestValidate_ConfidenceBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scoring.MinConfidence = 1.0
	cfg.Scoring.MaxConfidence = 0.1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_confidence must be below max_confidence")
}

func TestValidate_SigningNeedsSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.STP.SigningEnabled = true
	cfg.STP.SecretKey = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing enabled without secret_key")
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scoring.MinConfidence = 2.0
	cfg.Bus.BufferSize = 0
	cfg.Decisions.RetentionDays = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scoring")
	assert.Contains(t, err.Error(), "bus")
	assert.Contains(t, err.Error(), "decisions")
}

func TestLoader_AgentSeedsFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
agents:
  - id: "agent-nlp-1"
    name: "NLP Worker"
    type: "nlp"
    capabilities:
      - name: "summarize"
        threshold: 0.3
  - id: "agent-tts-1"
    name: "TTS Worker"
    type: "tts"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "agent-nlp-1", cfg.Agents[0].ID)
	assert.Equal(t, "nlp", cfg.Agents[0].Type)
	require.Len(t, cfg.Agents[0].Capabilities, 1)
	assert.Equal(t, "summarize", cfg.Agents[0].Capabilities[0].Name)
	assert.Equal(t, 0.3, cfg.Agents[0].Capabilities[0].Threshold)
	assert.Empty(t, cfg.Agents[1].Capabilities)
}

func TestValidate_AgentSeedNeedsIdentity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents = []AgentSeedConfig{{ID: "agent-1", Name: "Worker"}} // 缺 type

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents[0]")
}
