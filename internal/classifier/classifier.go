// Package classifier implements integration with Google's Gemini AI API.
// It classifies inbound group messages into tracked obligations and
// generates conversational replies and reply suggestions.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nudgebot/nudgebot/internal/config"
	"github.com/nudgebot/nudgebot/internal/database"
)

// PaymentVerdict is the result of classifying a message as a money request.
// Amount is in the smallest currency unit and is zero when unknown.
type PaymentVerdict struct {
	IsRequest bool
	Amount    int64
}

// QuestionVerdict is the result of classifying a message as a question
// addressed to other group members. Targets holds platform user IDs and is
// empty when the question addresses the whole group.
type QuestionVerdict struct {
	IsQuestion      bool
	TargetsEveryone bool
	Targets         []int64
	NormalizedText  string
}

// Client defines the interface for AI operations used throughout the
// application. Classification methods fold malformed model output into a
// negative verdict instead of failing, so a flaky model never blocks
// message processing.
type Client interface {
	ClassifyPayment(ctx context.Context, text string) (*PaymentVerdict, error)

	ClassifyQuestion(ctx context.Context, text string, memberPlatformIDs []int64) (*QuestionVerdict, error)

	GenerateReply(ctx context.Context, messages []database.Message, botID int64, botFirstName string) (string, error)

	SuggestReplies(ctx context.Context, questionText string) ([]string, error)
}

type sdkClient struct {
	genaiClient      *genai.Client
	log              *slog.Logger
	contentConfig    *genai.GenerateContentConfig
	defaultModelName string
	maxRetries       int
	retryDelay       time.Duration
}

// NewClient creates a new Gemini AI client with the provided configuration.
// It initializes the connection to the Gemini API and sets up necessary parameters.
func NewClient(
	ctx context.Context,
	cfg config.GeminiConfig,
	log *slog.Logger,
) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	baseCfg := &genai.GenerateContentConfig{
		Temperature: &cfg.Temperature,

		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
		},
	}

	logger := log.With("component", "classifier")
	logger.Info("Gemini client initialized successfully", "model", cfg.ModelName)
	return &sdkClient{
		genaiClient:      gi,
		log:              logger,
		contentConfig:    baseCfg,
		defaultModelName: cfg.ModelName,
		maxRetries:       cfg.MaxRetries,
		retryDelay:       time.Duration(cfg.RetryDelaySeconds) * time.Second,
	}, nil
}

func (c *sdkClient) generateContentWithRetries(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.genaiClient.Models.GenerateContent(ctx, c.defaultModelName, contents, cfg)
		if err == nil {
			return resp, nil
		}

		c.log.WarnContext(ctx, "Gemini API call failed, checking for retry", "attempt", i+1, "max_retries", c.maxRetries, "error", err)

		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503) {
			if i < c.maxRetries {
				c.log.InfoContext(ctx, "Retrying Gemini API call due to retriable APIError", "delay", c.retryDelay, "code", apiErr.Code)
				time.Sleep(c.retryDelay)
				continue
			}
			c.log.ErrorContext(ctx, "Gemini API call failed after max retries with APIError", "error", err, "code", apiErr.Code)
			return nil, fmt.Errorf("gemini API call failed after %d retries (APIError code %d): %w", c.maxRetries, apiErr.Code, err)
		}

		c.log.ErrorContext(ctx, "Gemini API call failed with non-retriable error", "error", err)
		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	return nil, err
}

var paymentVerdictSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"is_request": {Type: genai.TypeBoolean, Description: "Whether the message asks other group members for money."},
		"amount":     {Type: genai.TypeInteger, Description: "Requested amount in the smallest currency unit. 0 if unknown."},
	},
	Required: []string{"is_request", "amount"},
}

// ClassifyPayment decides whether the message is a request for money
// addressed to other group members. Malformed model output yields a
// negative verdict, not an error.
func (c *sdkClient) ClassifyPayment(ctx context.Context, text string) (*PaymentVerdict, error) {
	c.log.DebugContext(ctx, "Classifying message for money request", "text_len", len(text))

	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	copyCfg := *c.contentConfig
	copyCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: PaymentClassifierSystemInstruction}}}
	copyCfg.ResponseMIMEType = "application/json"
	copyCfg.ResponseSchema = paymentVerdictSchema

	resp, err := c.generateContentWithRetries(ctx, contents, &copyCfg)
	if err != nil {
		return nil, fmt.Errorf("payment classification failed: %w", err)
	}

	jsonText, err := c.extractTextFromResponse(ctx, resp, "ClassifyPayment")
	if err != nil {
		return nil, fmt.Errorf("payment classification failed: %w", err)
	}

	verdict, err := ParsePaymentVerdict(jsonText)
	if err != nil {
		c.log.WarnContext(ctx, "Malformed payment verdict JSON, treating as non-request", "error", err, "response_text", jsonText)
		return &PaymentVerdict{}, nil
	}
	return verdict, nil
}

var questionVerdictSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"is_question":      {Type: genai.TypeBoolean, Description: "Whether the message asks other group members a question that expects an answer."},
		"targets_everyone": {Type: genai.TypeBoolean, Description: "True when the question addresses the whole group rather than specific members."},
		"target_ids":       {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: "User IDs of specifically addressed members, as strings. Empty when targets_everyone is true."},
		"normalized_text":  {Type: genai.TypeString, Description: "The question restated as one short sentence."},
	},
	Required: []string{"is_question", "targets_everyone", "target_ids", "normalized_text"},
}

// ClassifyQuestion decides whether the message is a question addressed to
// other group members, and which members it addresses. Malformed model
// output yields a negative verdict, not an error.
func (c *sdkClient) ClassifyQuestion(ctx context.Context, text string, memberPlatformIDs []int64) (*QuestionVerdict, error) {
	c.log.DebugContext(ctx, "Classifying message for question", "text_len", len(text), "member_count", len(memberPlatformIDs))

	var sb strings.Builder
	sb.WriteString("Group member user IDs: ")
	for i, id := range memberPlatformIDs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.FormatInt(id, 10))
	}
	sb.WriteString("\n\nMessage:\n")
	sb.WriteString(text)

	contents := []*genai.Content{genai.NewContentFromText(sb.String(), genai.RoleUser)}

	copyCfg := *c.contentConfig
	copyCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: QuestionClassifierSystemInstruction}}}
	copyCfg.ResponseMIMEType = "application/json"
	copyCfg.ResponseSchema = questionVerdictSchema

	resp, err := c.generateContentWithRetries(ctx, contents, &copyCfg)
	if err != nil {
		return nil, fmt.Errorf("question classification failed: %w", err)
	}

	jsonText, err := c.extractTextFromResponse(ctx, resp, "ClassifyQuestion")
	if err != nil {
		return nil, fmt.Errorf("question classification failed: %w", err)
	}

	verdict, err := ParseQuestionVerdict(jsonText)
	if err != nil {
		c.log.WarnContext(ctx, "Malformed question verdict JSON, treating as non-question", "error", err, "response_text", jsonText)
		return &QuestionVerdict{}, nil
	}
	return verdict, nil
}

func formatMessageForAI(m database.Message) string {
	return fmt.Sprintf("[%s] UID %d: %s", m.CreatedAt.Format("2006-01-02 15:04:05"), m.SenderID, m.Content)
}

// GenerateReply produces a conversational reply based on recent group
// history, with the newest message last.
func (c *sdkClient) GenerateReply(ctx context.Context, messages []database.Message, botID int64, botFirstName string) (string, error) {
	c.log.DebugContext(ctx, "Generating reply", "message_count", len(messages))

	var contents []*genai.Content
	for _, m := range messages {
		var role genai.Role = genai.RoleUser
		if m.SenderID == botID {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(formatMessageForAI(m), role))
	}

	copyCfg := *c.contentConfig
	copyCfg.SystemInstruction = &genai.Content{
		Parts: []*genai.Part{{Text: fmt.Sprintf(ReplySystemInstruction, botFirstName)}},
	}

	resp, err := c.generateContentWithRetries(ctx, contents, &copyCfg)
	if err != nil {
		c.log.ErrorContext(ctx, "Gemini reply generation failed", "error", err)
		return "", fmt.Errorf("gemini API call failed: %w", err)
	}

	return c.extractTextFromResponse(ctx, resp, "GenerateReply")
}

var suggestionsSchema = &genai.Schema{
	Type:        genai.TypeArray,
	Description: "Exactly four short reply suggestions the recipient could send back.",
	Items:       &genai.Schema{Type: genai.TypeString},
}

// SuggestReplies produces four short reply suggestions for a question.
// When the model output cannot be used, canned fallbacks are returned so a
// reminder is never blocked on suggestion quality.
func (c *sdkClient) SuggestReplies(ctx context.Context, questionText string) ([]string, error) {
	c.log.DebugContext(ctx, "Generating reply suggestions", "text_len", len(questionText))

	contents := []*genai.Content{genai.NewContentFromText(questionText, genai.RoleUser)}

	copyCfg := *c.contentConfig
	copyCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: SuggestionSystemInstruction}}}
	copyCfg.ResponseMIMEType = "application/json"
	copyCfg.ResponseSchema = suggestionsSchema

	resp, err := c.generateContentWithRetries(ctx, contents, &copyCfg)
	if err != nil {
		c.log.WarnContext(ctx, "Suggestion generation failed, using fallbacks", "error", err)
		return FallbackSuggestions(), nil
	}

	jsonText, err := c.extractTextFromResponse(ctx, resp, "SuggestReplies")
	if err != nil {
		c.log.WarnContext(ctx, "Suggestion response unusable, using fallbacks", "error", err)
		return FallbackSuggestions(), nil
	}

	suggestions, err := ParseSuggestions(jsonText)
	if err != nil {
		c.log.WarnContext(ctx, "Malformed suggestions JSON, using fallbacks", "error", err, "response_text", jsonText)
		return FallbackSuggestions(), nil
	}
	return suggestions, nil
}

func (c *sdkClient) extractTextFromResponse(ctx context.Context, resp *genai.GenerateContentResponse, op string) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reasonMsg := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reasonMsg = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "Gemini request blocked", "operation", op, "reason", reasonMsg)
		return "", fmt.Errorf("%s blocked by safety filter: %s", op, reasonMsg)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		c.log.WarnContext(ctx, "Gemini response missing candidates or content", "operation", op, "finish_reason", finishReason)
		return "", fmt.Errorf("%s returned empty content, finish reason: %s", op, finishReason)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("%s returned empty text", op)
	}
	return text, nil
}
