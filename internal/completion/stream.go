package completion

import (
	"errors"
	"io"

	"github.com/sashabaranov/go-openai"
)

// Stream is a finite, non-restartable sequence of text fragments. Recv
// blocks until the next fragment arrives. It returns io.EOF once the
// provider signals completion; any other error means the stream failed.
// Fragments already returned are never retracted.
type Stream interface {
	Recv() (string, error)
	Close() error
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
	done   bool
	err    error
}

func (s *openAIStream) Recv() (string, error) {
	for {
		if s.done {
			if s.err != nil {
				return "", s.err
			}
			return "", io.EOF
		}
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return "", io.EOF
		}
		if err != nil {
			s.done = true
			s.err = err
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if content := resp.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
	}
}

func (s *openAIStream) Close() error {
	s.done = true
	s.stream.Close()
	return nil
}

// SliceStream replays fixed fragments, optionally failing with Err after
// they are exhausted.
type SliceStream struct {
	Fragments []string
	Err       error
	pos       int
	closed    bool
}

func (s *SliceStream) Recv() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	if s.pos < len(s.Fragments) {
		f := s.Fragments[s.pos]
		s.pos++
		return f, nil
	}
	if s.Err != nil {
		return "", s.Err
	}
	return "", io.EOF
}

func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}
