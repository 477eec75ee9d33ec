package agent

import (
	"context"
	"fmt"

	"LinguaChain/internal/ipfs"
	"LinguaChain/internal/llm"
)

// synthesizeAudio 合成语音、发布到 IPFS 并返回网关地址。临时音频文件
// 的清理由发布器负责。
func synthesizeAudio(ctx context.Context, llmClient llm.Client, pinner ipfs.Pinner, text string) (string, error) {
	path, err := llmClient.Speech(ctx, llm.SpeechRequest{Text: text})
	if err != nil {
		return "", fmt.Errorf("合成语音失败: %w", err)
	}
	cid, err := pinner.PinFile(ctx, path)
	if err != nil {
		return "", fmt.Errorf("发布音频失败: %w", err)
	}
	return pinner.GatewayURL(cid), nil
}
