package translator

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fal-openai-adapter/internal/models"
)

func TestChatRequestAcceptsStringAndPartsContent(t *testing.T) {
	var req ChatCompletionRequest
	err := json.Unmarshal([]byte(`{
		"model": " recraft-v3 ",
		"temperature": 0.2,
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": [
				{"type": "text", "text": "a red"},
				{"type": "image_url", "image_url": {"url": "https://x/y.png"}},
				{"type": "text", "text": "fox"}
			]}
		]
	}`), &req)
	require.NoError(t, err)

	assert.Equal(t, "recraft-v3", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "a red\nfox", req.Messages[1].Content)

	chat := req.ToChat()
	assert.Equal(t, 1, chat.ImageCount)
	assert.Equal(t, models.Message{Role: "system", Content: "be terse"}, chat.Messages[0])
}

func TestChatRequestToleratesMissingFields(t *testing.T) {
	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(`{}`), &req))
	assert.Empty(t, req.Model)
	assert.Empty(t, req.Messages)

	require.NoError(t, json.Unmarshal([]byte(`{"messages":[{"role":"user","content":null}]}`), &req))
	require.Len(t, req.Messages, 1)
	assert.Empty(t, req.Messages[0].Content)
}

func TestChatRequestRejectsMalformedBodies(t *testing.T) {
	for name, body := range map[string]string{
		"messages object": `{"messages":{"role":"user"}}`,
		"content number":  `{"messages":[{"role":"user","content":7}]}`,
		"message string":  `{"messages":["hi"]}`,
		"not an object":   `[1,2]`,
	} {
		t.Run(name, func(t *testing.T) {
			var req ChatCompletionRequest
			assert.Error(t, json.Unmarshal([]byte(body), &req))
		})
	}
}

func TestImageRequest(t *testing.T) {
	var req ImageGenerationRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model":"recraft-v3","prompt":"a cat","n":2,"size":"1024x1024"}`), &req))
	assert.Equal(t, 2, req.ImageCount)
	assert.False(t, req.WantsImageData())

	chat := req.ToChat()
	assert.Equal(t, models.ChatRequest{
		Model:      "recraft-v3",
		Messages:   []models.Message{{Role: "user", Content: "a cat"}},
		ImageCount: 2,
	}, chat)

	var defaults ImageGenerationRequest
	require.NoError(t, json.Unmarshal([]byte(`{"prompt":"x","response_format":"url"}`), &defaults))
	assert.Equal(t, 1, defaults.ImageCount)
	assert.True(t, defaults.WantsImageData())
}

func TestImageRequestValidation(t *testing.T) {
	var req ImageGenerationRequest
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"prompt":"x","n":0}`), &req), errInvalidImageCount)
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"prompt":"x","response_format":"b64_json"}`), &req), errUnsupportedFormat)
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"prompt":["x"]}`), &req), errPromptNotString)
}

func TestLegacyAndChatShapesNormaliseIdentically(t *testing.T) {
	var img ImageGenerationRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model":"recraft-v3","prompt":"a cat","n":1}`), &img))
	var chat ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model":"recraft-v3","messages":[{"role":"user","content":"a cat"}]}`), &chat))

	assert.Equal(t, chat.ToChat(), img.ToChat())
}

func TestLatestUserPrompt(t *testing.T) {
	msgs := []models.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "ok"},
		{Role: "user", Content: "second"},
		{Role: "assistant", Content: "done"},
	}
	prompt, ok := LatestUserPrompt(msgs)
	assert.True(t, ok)
	assert.Equal(t, "second", prompt)

	_, ok = LatestUserPrompt([]models.Message{{Role: "system", Content: "x"}})
	assert.False(t, ok)

	_, ok = LatestUserPrompt(nil)
	assert.False(t, ok)

	// The newest user turn wins even when empty.
	_, ok = LatestUserPrompt([]models.Message{{Role: "user", Content: "older"}, {Role: "user", Content: ""}})
	assert.False(t, ok)
}

func TestInvitationReply(t *testing.T) {
	now := time.Unix(1700000000, 0)
	msgs := []models.Message{{Role: "assistant", Content: "hello"}}

	reply := InvitationReply(msgs, now)
	assert.Equal(t, "1700000000", reply.ID)
	assert.Equal(t, "I can generate images. Describe what you'd like.", reply.Content)

	serialized := `[{"role":"assistant","content":"hello"}]`
	assert.Equal(t, len(serialized)/4, reply.Usage.PromptTokens)
	assert.Equal(t, 20, reply.Usage.CompletionTokens)
	assert.Equal(t, reply.Usage.PromptTokens+20, reply.Usage.TotalTokens)

	resp := FromReply("dall-e-3", now.Unix(), reply)
	assert.Equal(t, "chatcmpl-1700000000", resp.ID)
}

func TestGenerationReplyRendersImagesInOrder(t *testing.T) {
	gen := &models.Generation{
		Model:   "recraft-v3",
		Prompt:  "a cat",
		Handle:  models.JobHandle{RequestID: "req-42"},
		Outcome: models.OutcomeCompletedWithImages,
		Result:  models.GenerationResult{ImageURLs: []string{"https://cdn/b.png", "https://cdn/a.png", "https://cdn/b.png"}},
	}

	reply := GenerationReply(gen)
	want := "Here's the image: \"a cat\"\n\n" +
		"![Generated Image 1](https://cdn/b.png)\n\n" +
		"![Generated Image 2](https://cdn/a.png)\n\n" +
		"![Generated Image 3](https://cdn/b.png)"
	assert.Equal(t, want, reply.Content)
	assert.Equal(t, 3, strings.Count(reply.Content, "![Generated Image"))
	assert.Equal(t, "req-42", reply.ID)
	assert.Equal(t, len("a cat")/4, reply.Usage.PromptTokens)
	assert.Equal(t, len(want)/4, reply.Usage.CompletionTokens)
}

func TestGenerationReplySoftFailure(t *testing.T) {
	for _, outcome := range []models.JobOutcome{models.OutcomeExhausted, models.OutcomeCompletedEmpty} {
		gen := &models.Generation{
			Prompt:  "a very detailed prompt",
			Handle:  models.JobHandle{RequestID: "req-7"},
			Outcome: outcome,
		}
		reply := GenerationReply(gen)
		assert.Equal(t, "Unable to generate an image. Try a different description.", reply.Content)
		assert.Equal(t, 30, reply.Usage.CompletionTokens)
		assert.Equal(t, 5, reply.Usage.PromptTokens)
	}
}

func TestFromReplyEnvelope(t *testing.T) {
	reply := models.Reply{ID: "abc", Content: "hi", Usage: models.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}}
	data, err := json.Marshal(FromReply("ideogram-v2", 123, reply))
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"id": "chatcmpl-abc",
		"object": "chat.completion",
		"created": 123,
		"model": "ideogram-v2",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 1, "completion_tokens": 2, "total_tokens": 3}
	}`, string(data))
}

func TestFromGenerationImages(t *testing.T) {
	gen := &models.Generation{
		Prompt:  "a cat",
		Outcome: models.OutcomeCompletedWithImages,
		Result:  models.GenerationResult{ImageURLs: []string{"https://cdn/1.png", "https://cdn/2.png"}},
	}
	resp := FromGenerationImages(99, gen)
	assert.Equal(t, int64(99), resp.Created)
	assert.Equal(t, []ImageData{
		{URL: "https://cdn/1.png", RevisedPrompt: "a cat"},
		{URL: "https://cdn/2.png", RevisedPrompt: "a cat"},
	}, resp.Data)

	gen.Outcome = models.OutcomeExhausted
	data, err := json.Marshal(FromGenerationImages(99, gen))
	require.NoError(t, err)
	assert.JSONEq(t, `{"created":99,"data":[]}`, string(data))
}

func TestFromModels(t *testing.T) {
	list := FromModels([]models.Model{{ID: "dall-e-3"}, {ID: "gpt-4-vision-preview", AliasOf: "dall-e-3"}})
	data, err := json.Marshal(list)
	require.NoError(t, err)
	assert.JSONEq(t, `{"object":"list","data":[
		{"id":"dall-e-3","object":"model","created":1698785189,"owned_by":"fal-openai-adapter","permission":[],"root":"dall-e-3","parent":null},
		{"id":"gpt-4-vision-preview","object":"model","created":1698785189,"owned_by":"fal-openai-adapter","permission":[],"root":"gpt-4-vision-preview","parent":null}
	]}`, string(data))
}
