package ai

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"
)

// CompletionRequest carries the user's text settings for one prompt
type CompletionRequest struct {
	EndpointURL string
	Model       string
	Temperature float64
	MaxTokens   int
	Prompt      string
}

// FragmentStream yields incremental pieces of generated text. Recv returns
// io.EOF once the stream is exhausted. The stream is not restartable.
type FragmentStream interface {
	Recv() (string, error)
	Close()
}

// Completer opens streaming chat completions
type Completer interface {
	Stream(ctx context.Context, req CompletionRequest) (FragmentStream, error)
}

// EinoCompleter streams completions from any OpenAI-compatible endpoint
type EinoCompleter struct {
	apiKey  string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewEinoCompleter creates a completer; timeout bounds the whole HTTP exchange
func NewEinoCompleter(apiKey string, timeout time.Duration, logger *logrus.Logger) *EinoCompleter {
	return &EinoCompleter{apiKey: apiKey, timeout: timeout, logger: logger}
}

// Stream starts a completion for req.Prompt
func (c *EinoCompleter) Stream(ctx context.Context, req CompletionRequest) (FragmentStream, error) {
	temperature := float32(req.Temperature)
	maxTokens := req.MaxTokens

	model, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      c.apiKey,
		BaseURL:     req.EndpointURL,
		Model:       req.Model,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
		Timeout:     c.timeout,
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"model":       req.Model,
		"endpoint":    req.EndpointURL,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	}).Debug("Opening completion stream")

	reader, err := model.Stream(ctx, []*schema.Message{schema.UserMessage(req.Prompt)})
	if err != nil {
		return nil, sdkError(err)
	}
	if reader == nil {
		return nil, formatError("completion returned nil stream reader")
	}
	return &einoStream{reader: reader}, nil
}

type einoStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// Recv skips chunks that carry no content, such as the leading role chunk
func (s *einoStream) Recv() (string, error) {
	for {
		msg, err := s.reader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", sdkError(err)
		}
		if msg != nil && msg.Content != "" {
			return msg.Content, nil
		}
	}
}

func (s *einoStream) Close() {
	s.reader.Close()
}

// SliceStream replays fixed fragments; it backs simulated streams
type SliceStream struct {
	fragments []string
	next      int
}

// NewSliceStream returns a stream over fragments
func NewSliceStream(fragments []string) *SliceStream {
	return &SliceStream{fragments: fragments}
}

func (s *SliceStream) Recv() (string, error) {
	if s.next >= len(s.fragments) {
		return "", io.EOF
	}
	f := s.fragments[s.next]
	s.next++
	return f, nil
}

func (s *SliceStream) Close() {}
