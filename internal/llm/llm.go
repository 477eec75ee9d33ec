package llm

import "context"

// TranslationRequest 描述一次翻译调用的上下文。
type TranslationRequest struct {
	Text       string
	SourceLang string
	TargetLang string
}

// SpeechRequest 描述一次语音合成调用。
type SpeechRequest struct {
	Text string
}

// Client 定义了调用大模型的统一接口。Translate 返回译文，
// Speech 将合成的音频写入临时文件并返回文件路径，调用方负责清理。
type Client interface {
	Translate(ctx context.Context, req TranslationRequest) (string, error)
	Speech(ctx context.Context, req SpeechRequest) (string, error)
}
