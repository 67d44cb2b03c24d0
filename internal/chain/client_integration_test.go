//go:build integration
// +build integration

package chain

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flashfill-relayer/internal/config"
)

func TestClientIntegration_Dial(t *testing.T) {
	configPath := os.Getenv("RELAYER_CONFIG")
	if configPath == "" {
		configPath = "../../configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Skipf("加载配置失败，跳过测试: %v", err)
	}
	if cfg.Chain.PrivateKey == "" {
		t.Skip("缺少 chain.private_key，跳过测试")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := Dial(ctx, cfg.Chain, zap.NewNop())
	require.NoError(t, err, "连接节点失败")
	defer client.Close()

	assert.NotEqual(t, client.Settlement(), client.From(), "填单者地址不应与结算合约相同")
	require.NotNil(t, client.chainID)
	assert.Positive(t, client.chainID.Sign(), "chain id 未初始化")

	nonce, err := client.backend.PendingNonceAt(ctx, client.From())
	require.NoError(t, err, "查询 nonce 失败")
	t.Logf("filler=%s chain_id=%s nonce=%d", client.From().Hex(), client.chainID, nonce)
}
