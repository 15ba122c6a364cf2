package analyzer

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// Commenter turns a numeric Result into a short operator-facing note.
type Commenter interface {
	Comment(ctx context.Context, r *Result) (string, error)
}

// OpenAICommenter asks a chat model for a two-to-three sentence read of the
// numbers. Strictly cosmetic; the score stands on its own.
type OpenAICommenter struct {
	client *openai.Client
	model  string
}

func NewOpenAICommenter(apiKey, model string) *OpenAICommenter {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAICommenter{client: openai.NewClient(apiKey), model: model}
}

func (c *OpenAICommenter) Comment(ctx context.Context, r *Result) (string, error) {
	prompt := fmt.Sprintf(`다음은 물타기(분할 매수) 전략 적합도 분석 결과입니다. 2~3문장으로 평가해 주세요.

종목: %s (%s)
적합도 점수: %.1f / 100 (%s)
일평균 변동폭: %.2f%%
회복 이력: %d회 (평균 %.1f일)
최대 낙폭: %.1f%%
수익률: 1년 %+.1f%%, 3개월 %+.1f%%
일평균 거래대금: %.1f억원`,
		r.Name, r.Symbol, r.SuitabilityScore, r.Recommendation,
		r.VolatilityScore, r.RecoveryCount, r.AvgRecoveryDays, r.MaxDrawdown,
		r.Trend1Y, r.Trend3M, float64(r.AvgTradingValue)/eok)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "당신은 한국 주식 분할 매수 전략 전문가입니다. 간결하게 답변하세요.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from openai")
	}
	return resp.Choices[0].Message.Content, nil
}
