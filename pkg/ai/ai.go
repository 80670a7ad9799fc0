package ai

import "context"

// AiInterface 单轮文本补全，识别曲目只需要这一个能力
type AiInterface interface {
	Name() string
	HandleText(ctx context.Context, msg string) (string, error)
}
