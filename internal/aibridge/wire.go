package aibridge

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Server-to-client message shapes. The live API sends camelCase JSON.
type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete"`
	ServerContent *serverContent `json:"serverContent"`
}

type serverContent struct {
	TurnComplete        bool           `json:"turnComplete"`
	Interrupted         bool           `json:"interrupted"`
	ModelTurn           *modelTurn     `json:"modelTurn"`
	InputTranscription  *transcription `json:"inputTranscription"`
	OutputTranscription *transcription `json:"outputTranscription"`
}

type modelTurn struct {
	Parts []contentPart `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type contentPart struct {
	Text       string      `json:"text"`
	InlineData *inlineData `json:"inlineData"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

func parseServerMessage(raw []byte) (serverMessage, error) {
	var msg serverMessage
	err := json.Unmarshal(raw, &msg)
	return msg, err
}

// audioParts extracts the decoded PCM chunks from a model turn, skipping
// non-audio parts and undecodable payloads.
func (t *modelTurn) audioParts() [][]byte {
	var out [][]byte
	for _, p := range t.Parts {
		if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MimeType, "audio/pcm") {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil || len(data) == 0 {
			continue
		}
		out = append(out, data)
	}
	return out
}

func (t *modelTurn) textParts() []string {
	var out []string
	for _, p := range t.Parts {
		if p.Text != "" {
			out = append(out, p.Text)
		}
	}
	return out
}

// Client-to-server messages use the snake_case request schema.

func setupMessage(model, voice, systemInstruction string) any {
	return map[string]any{
		"setup": map[string]any{
			"model": model,
			"generation_config": map[string]any{
				"response_modalities": []string{"AUDIO"},
				"speech_config": map[string]any{
					"voice_config": map[string]any{
						"prebuilt_voice_config": map[string]any{
							"voice_name": voice,
						},
					},
				},
			},
			"system_instruction": map[string]any{
				"parts": []map[string]any{
					{"text": systemInstruction},
				},
			},
		},
	}
}

func audioMessage(pcm []byte) any {
	return map[string]any{
		"realtime_input": map[string]any{
			"media_chunks": []map[string]any{
				{
					"data":      base64.StdEncoding.EncodeToString(pcm),
					"mime_type": "audio/pcm",
				},
			},
		},
	}
}

func textMessage(text string) any {
	return map[string]any{
		"client_content": map[string]any{
			"turns": []map[string]any{
				{
					"role": "user",
					"parts": []map[string]any{
						{"text": text},
					},
				},
			},
			"turn_complete": true,
		},
	}
}
